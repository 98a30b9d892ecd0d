package model

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrTagScrape marks failures of the match website scraper (page structure changed,
	// selectors matched nothing, network failure).
	ErrTagScrape = goerr.NewTag("scrape")

	// ErrTagIndexBackend marks failures of the embedding provider or the vector store.
	ErrTagIndexBackend = goerr.NewTag("index_backend")

	// ErrTagModelInvocation marks failures of the generative model call, including empty output.
	ErrTagModelInvocation = goerr.NewTag("model_invocation")

	ErrTagNotFound     = goerr.NewTag("not_found")
	ErrTagInvalidInput = goerr.NewTag("invalid_input")

	// ErrTagNoSelection marks operations that need a selected match when none is selected
	ErrTagNoSelection = goerr.NewTag("no_selection")
)
