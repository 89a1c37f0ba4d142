package main

import (
	"errors"
	"fmt"

	"github.com/MrCodeEU/faceid/pkg/config"
	"github.com/MrCodeEU/faceid/pkg/corpus"
	"github.com/MrCodeEU/faceid/pkg/detection"
	"github.com/MrCodeEU/faceid/pkg/faceimage"
	"github.com/MrCodeEU/faceid/pkg/journal"
	"github.com/MrCodeEU/faceid/pkg/recognition"
)

// app holds everything a command needs to talk to the engine.
type app struct {
	corpus   corpus.Corpus
	detector detection.Detector
	journal  *journal.Journal
	engine   *recognition.Engine
}

func openApp(c *config.Config, withJournal bool) (*app, error) {
	if err := c.EnsureDirectories(); err != nil {
		return nil, err
	}

	store, err := corpus.Open(c.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus: %w", err)
	}

	detector, err := detection.New(c.Detection)
	if err != nil {
		return nil, fmt.Errorf("failed to create face detector (try 'faceid download-models'): %w", err)
	}

	a := &app{corpus: store, detector: detector}

	opts := recognition.Options{
		Corpus:      store,
		Locator:     detection.NewLocator(detector),
		Normalizer:  faceimage.NewNormalizer(c.Recognition.FaceWidth, c.Recognition.FaceHeight),
		Threshold:   c.Recognition.Threshold,
		Components:  c.Recognition.Components,
		RequireFace: c.Recognition.RequireFace,
		MaxPixels:   int(c.Recognition.MaxMegapixels * 1e6),
	}

	if withJournal && c.Journal.Enabled {
		a.journal, err = journal.Open(c.Journal.Path)
		if err != nil {
			_ = detector.Close()
			return nil, err
		}
		opts.Journal = a.journal
	}

	a.engine, err = recognition.New(opts)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.detector != nil {
		errs = append(errs, a.detector.Close())
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	return errors.Join(errs...)
}
