// Package brsa implements a Bayesian representational similarity analysis
// model: a simulator for spatio-temporally correlated fMRI-like data and an
// estimator that recovers the shared condition covariance, a per-voxel
// pseudo-SNR map, AR(1) noise coefficients and partially pooled response
// amplitudes from such data.
//
// The generative model assumes every voxel's response amplitudes share one
// covariance shape across conditions, scaled per voxel by a pseudo-SNR that
// is smooth over space (and optionally image intensity) under a Gaussian
// process. Noise is an AR(1) process with spatially correlated innovations
// that restarts at every scan onset.
//
// The package depends only on gonum; randomness is always passed in as an
// explicit math/rand/v2 source, so simulations and fits are reproducible.
package brsa
