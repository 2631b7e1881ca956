package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/faceattend/faceattend/internal/attend"
	"github.com/faceattend/faceattend/internal/config"
	"github.com/faceattend/faceattend/internal/dupcheck"
	"github.com/faceattend/faceattend/internal/embedding"
	"github.com/faceattend/faceattend/internal/enroll"
	"github.com/faceattend/faceattend/internal/index"
	"github.com/faceattend/faceattend/internal/logging"
	"github.com/faceattend/faceattend/internal/quality"
	"github.com/faceattend/faceattend/internal/recognize"
	"github.com/faceattend/faceattend/internal/tasks"
)

// app is the composition root: every component is constructed once here and
// passed by reference, so the single-index-per-process semantics hold
// without hidden globals.
type app struct {
	cfg        *config.Config
	log        *logrus.Logger
	index      *index.Index
	gate       *quality.Gate
	extractor  *embedding.Extractor
	recognizer *recognize.Recognizer
	dupes      *dupcheck.Checker
	pool       *tasks.Pool
	enroll     *enroll.Service
	attend     *attend.Service
}

func buildApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	store, err := index.NewStore(cfg.Index.Path)
	if err != nil {
		return nil, fmt.Errorf("opening index store: %w", err)
	}
	idx := index.Open(cfg.Recognition, store, log)

	gate := quality.NewGate(cfg.Quality)
	client := embedding.NewClient(cfg.Embedding.URL, cfg.Embedding.Model, time.Duration(cfg.Embedding.Timeout)*time.Second)

	var extractorGate *quality.Gate
	if cfg.Recognition.QualityGate {
		extractorGate = gate
	}
	extractor := embedding.NewExtractor(client, extractorGate, cfg.Embedding, cfg.Recognition, log)

	recognizer := recognize.New(idx, log)
	dupes := dupcheck.New(idx, cfg.Duplicates, log)
	pool := tasks.NewPool(cfg.Workers.Count, log)

	return &app{
		cfg:        cfg,
		log:        log,
		index:      idx,
		gate:       gate,
		extractor:  extractor,
		recognizer: recognizer,
		dupes:      dupes,
		pool:       pool,
		enroll:     enroll.NewService(extractor, gate, dupes, idx, pool, log),
		attend:     attend.NewService(extractor, recognizer, pool, log),
	}, nil
}

func (a *app) close() {
	a.pool.Stop()
}
