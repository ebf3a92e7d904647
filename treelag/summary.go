package main

// RunSummary is storing treelag run summary information.
type RunSummary struct {
	// Version stores treelag version.
	Version string `json:"version"`
	// CommandLine is an array storing binary name and all command-line parameters.
	CommandLine []string `json:"commandLine"`
	// Seed is the seed used for random number generation initialization.
	Seed int64 `json:"seed"`
	// Family is the outcome family.
	Family string `json:"family"`
	// NObs is the number of observations.
	NObs int `json:"nObs"`
	// NExposures is the number of exposures.
	NExposures int `json:"nExposures"`
	// NTreePairs is the number of tree pairs.
	NTreePairs int `json:"nTreePairs"`
	// NRecorded is the number of recorded draws after burn-in and thinning.
	NRecorded int `json:"nRecorded"`
	// Sigma2 is the posterior mean residual variance.
	Sigma2 float64 `json:"sigma2"`
	// Nu is the posterior mean global shrinkage scale.
	Nu float64 `json:"nu"`
	// ExpProb is the posterior mean exposure-selection probability vector.
	ExpProb []float64 `json:"expProb"`
	// Gamma is the posterior mean fixed-effect coefficient vector.
	Gamma []float64 `json:"gamma"`
	// Time is the computations time in seconds.
	Time float64 `json:"time"`
}
