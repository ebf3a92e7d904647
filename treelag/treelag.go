/*

Treelag fits treed distributed-lag mixture models: Bayesian regression
of an outcome on one or more time-lagged exposures, where pairs of
partition trees over the lag axis define the distributed-lag surface
and an optional interaction surface between exposures.

The basic usage of treelag looks like this:

	treelag response.csv exposure1.csv exposure2.csv

, this will run a Gaussian model with the default settings.

You can change a family and the chain length:

	treelag --family logistic --iter 10000 --burn 5000 response.csv exposure.csv

To see all the options run:

	treelag --help

*/
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/op/go-logging"

	bolt "go.etcd.io/bbolt"

	"github.com/mrrstat/treelag/chain"
	"github.com/mrrstat/treelag/checkpoint"
	"github.com/mrrstat/treelag/expdata"
	"github.com/mrrstat/treelag/family"
)

// These three variables are set during the compilation.
var githash = ""
var gitbranch = ""
var buildstamp = ""
var version = fmt.Sprintf("branch: %s, revision: %s, build time: %s", gitbranch, githash, buildstamp)

// Logger settings.
var log = logging.MustGetLogger("treelag")
var formatter = logging.MustStringFormatter(`%{message}`)

// command-line options
var (
	// application
	app = kingpin.New("treelag", "treed distributed-lag mixture model sampler").Version(version)

	// input data
	responseFileName  = app.Arg("response", "outcome vector, one value per line").Required().ExistingFile()
	exposureFileNames = app.Arg("exposures", "lagged exposure matrices, one CSV per exposure").Required().ExistingFiles()
	designFileName    = app.Flag("design", "fixed-effect design CSV (intercept only by default)").ExistingFile()
	sizeFileName      = app.Flag("size", "binomial trial counts, one per line (logistic family)").ExistingFile()

	// model parameters
	familyName = app.Flag("family", "outcome family (gaussian, logistic or zinb)").
			Default("gaussian").Enum("gaussian", "logistic", "zinb")
	nTrees    = app.Flag("trees", "number of tree pairs").Default("20").Int()
	treeAlpha = app.Flag("treealpha", "tree depth prior base").Default("0.95").Float64()
	treeBeta  = app.Flag("treebeta", "tree depth prior power").Default("2").Float64()
	stepProb  = app.Flag("stepprob", "grow, prune, change and switch-exposure step probabilities "+
		"(repeat the flag four times)").Default("0.25", "0.25", "0.25", "0.25").Float64List()
	shrinkage = app.Flag("shrinkage", "shrinkage level "+
		"(0: none, 1: exposure, 2: tree, 3: both)").Default("3").Int()
	interaction = app.Flag("interaction", "interaction mode "+
		"(0: off, 1: between distinct exposures, 2: including self-interaction)").Default("0").Int()
	mixConc = app.Flag("mixprior", "exposure-selection concentration, negative to estimate").
		Default("1").Float64()

	// mcmc parameters
	iterations  = app.Flag("iter", "number of sampling iterations").Default("5000").Int()
	burn        = app.Flag("burn", "number of burn-in iterations").Default("2500").Int()
	thin        = app.Flag("thin", "keep every N-th sampling iteration").Default("5").Int()
	report      = app.Flag("report", "report every N iterations").Default("100").Int()
	diagnostics = app.Flag("diag", "record per-proposal acceptance diagnostics").Bool()

	// technical
	seed = app.Flag("seed", "random generator seed, default time based").Default("-1").Int64()

	// checkpoint
	checkpointFileName = app.Flag("checkpoint", "checkpoint file").String()
	checkpointSeconds  = app.Flag("cptime", "checkpoint period in seconds").Default("30").Float64()

	// input/output
	outLogF  = app.Flag("log", "write log to a file").String()
	outF     = app.Flag("out", "write tree records (TSV) to a file").String()
	outMixF  = app.Flag("outmix", "write interaction records (TSV) to a file").String()
	logLevel = app.Flag("loglevel", "set loglevel "+
		"('critical', 'error', 'warning', 'notice', 'info', 'debug')").
		Default("notice").
		Enum("critical", "error", "warning", "notice", "info", "debug")
	jsonF = app.Flag("json", "write json output to a file").String()
)

// getFamilyFromString returns a family constant and its estimator.
func getFamilyFromString(name string) (chain.Family, chain.Estimator, error) {
	switch name {
	case "gaussian":
		log.Info("Using Gaussian family")
		return chain.Gaussian, family.Gaussian{}, nil
	case "logistic":
		log.Info("Using logistic family")
		return chain.Logistic, family.Logistic{}, nil
	case "zinb":
		log.Info("Using zero-inflated negative binomial family")
		return chain.ZINB, family.ZINB{}, nil
	}
	return chain.Gaussian, nil, fmt.Errorf("Unknown family: %s", name)
}

func run(ctx context.Context) (summary *RunSummary) {
	startTime := time.Now()
	summary = &RunSummary{}

	y, err := readVector(*responseFileName)
	if err != nil {
		log.Fatal(err)
	}
	if len(y) == 0 {
		log.Fatal("Zero length response")
	}
	log.Infof("Read response of %d observations", len(y))

	z, err := readDesign(*designFileName, len(y))
	if err != nil {
		log.Fatal(err)
	}
	_, pZ := z.Dims()
	log.Infof("Fixed-effect design has %d column(s)", pZ)

	fam, est, err := getFamilyFromString(*familyName)
	if err != nil {
		log.Fatal(err)
	}

	exps := make([]*expdata.Data, len(*exposureFileNames))
	for i, fn := range *exposureFileNames {
		m, err := readMatrix(fn)
		if err != nil {
			log.Fatal(err)
		}
		if fam == chain.Gaussian {
			exps[i] = expdata.NewWithFixed(m, z)
		} else {
			exps[i] = expdata.New(m)
		}
		log.Infof("Read exposure %d: %d observations, %d lags", i, exps[i].N(), exps[i].PX())
	}

	var size []float64
	if *sizeFileName != "" {
		if size, err = readVector(*sizeFileName); err != nil {
			log.Fatal(err)
		}
	}

	cfg := chain.Config{
		Iter:         *iterations,
		Burn:         *burn,
		Thin:         *thin,
		NTrees:       *nTrees,
		StepProb:     *stepProb,
		TreeAlpha:    *treeAlpha,
		TreeBeta:     *treeBeta,
		Family:       fam,
		Shrinkage:    *shrinkage,
		Interaction:  *interaction,
		MixConc:      *mixConc,
		BinomialSize: size,
		Seed:         uint64(*seed),
		Diagnostics:  *diagnostics,
		ReportPeriod: *report,
	}

	ch, err := chain.New(cfg, y, z, exps, est)
	if err != nil {
		log.Fatal(err)
	}

	if *checkpointFileName != "" {
		db, err := bolt.Open(*checkpointFileName, 0666, nil)
		if err != nil {
			log.Fatal("Error opening checkpoint file:", err)
		}
		defer db.Close()
		ch.SetCheckpointer(checkpoint.NewIO(db, []byte("chain"), *checkpointSeconds))
	}

	res, err := ch.Run(ctx)
	if err != nil {
		log.Fatal(err)
	}

	if *outF != "" {
		if err := writeTreeRecords(*outF, res); err != nil {
			log.Error("Error writing tree records:", err)
		}
	}
	if *outMixF != "" {
		if err := writeMixRecords(*outMixF, res); err != nil {
			log.Error("Error writing interaction records:", err)
		}
	}

	summary.Family = *familyName
	summary.NObs = len(y)
	summary.NExposures = len(exps)
	summary.NTreePairs = *nTrees
	summary.NRecorded = res.NRec
	summary.Sigma2 = meanOf(res.Sigma2)
	summary.Nu = meanOf(res.Nu)
	summary.ExpProb = colMeans(res.ExpProb)
	summary.Gamma = colMeans(res.Gamma)

	endTime := time.Now()
	deltaT := endTime.Sub(startTime)
	log.Noticef("Running time: %v", deltaT)
	summary.Time = deltaT.Seconds()

	return
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	// logging
	logging.SetFormatter(formatter)

	var backend *logging.LogBackend
	if *outLogF != "" {
		f, err := os.OpenFile(*outLogF, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatal("Error creating log file:", err)
		}
		defer f.Close()
		backend = logging.NewLogBackend(f, "", 0)
	} else {
		backend = logging.NewLogBackend(os.Stderr, "", 0)
	}
	logging.SetBackend(backend)

	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	logging.SetLevel(level, "treelag")
	logging.SetLevel(level, "chain")
	logging.SetLevel(level, "checkpoint")

	// print revision
	log.Info(version)

	// print commandline
	log.Info("Command line:", os.Args)

	if *seed == -1 {
		*seed = time.Now().UnixNano()
		log.Debug("Random seed from time")
	}
	log.Infof("Random seed=%v", *seed)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary := run(ctx)
	summary.Version = version
	summary.CommandLine = os.Args
	summary.Seed = *seed

	// output summary in json format
	if *jsonF != "" {
		j, err := json.Marshal(summary)
		if err != nil {
			log.Error(err)
		} else {
			log.Debug(string(j))
			f, err := os.Create(*jsonF)
			if err != nil {
				log.Error("Error creating json output file:", err)
			} else {
				f.Write(j)
				f.Close()
			}
		}
	}
}
