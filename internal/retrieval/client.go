package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Client runs the search, fetch, embed and rank pipeline. It never returns an
// error to its caller; failures surface as Result.Degraded.
type Client struct {
	settings Settings
	searcher Searcher
	fetcher  Fetcher
	embedder Embedder
	logger   *slog.Logger
}

// New builds a client. fetcher and embedder are optional.
func New(settings Settings, searcher Searcher, fetcher Fetcher, embedder Embedder, logger *slog.Logger) *Client {
	return &Client{
		settings: settings,
		searcher: searcher,
		fetcher:  fetcher,
		embedder: embedder,
		logger:   logger.With(slog.String("component", "retrieval")),
	}
}

// Warrants reports whether query is worth a web search.
func (c *Client) Warrants(query string) bool {
	if c == nil || c.searcher == nil {
		return false
	}
	return len(strings.Fields(query)) >= c.settings.MinQueryWords
}

func (c *Client) Retrieve(ctx context.Context, query string) Result {
	if c == nil || c.searcher == nil {
		return Result{Degraded: ErrDisabled}
	}
	if c.settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.settings.Timeout, ErrTimeout)
		defer cancel()
	}

	passages, err := c.retrieve(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			err = context.Cause(ctx)
		}
		c.logger.Warn("retrieval degraded", slog.String("error", err.Error()))
		return Result{Degraded: err}
	}
	return Result{Passages: passages}
}

func (c *Client) retrieve(ctx context.Context, query string) ([]Passage, error) {
	candidates, err := c.searcher.Search(ctx, query, c.settings.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoResults
	}

	passages := make([]Passage, len(candidates))
	for i, cand := range candidates {
		passages[i] = Passage{
			Source: cand.URL,
			Title:  cand.Title,
			Text:   truncate(collapseSpace(cand.Snippet), c.settings.MaxSnippetChars),
		}
	}
	if c.settings.FetchContent && c.fetcher != nil {
		c.fetchAll(ctx, passages)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var queryVec []float64
	if c.embedder != nil {
		queryVec, err = c.embedAll(ctx, query, passages)
		if err != nil {
			return nil, fmt.Errorf("embed: %w", err)
		}
	}

	ranked := Rank(queryVec, passages, nativeScores(candidates), c.settings.SimilarityWeight, 0)
	out := ranked[:0]
	for _, p := range ranked {
		if p.Text == "" {
			continue
		}
		out = append(out, p)
		if c.settings.MaxPassages > 0 && len(out) == c.settings.MaxPassages {
			break
		}
	}
	if len(out) == 0 {
		return nil, ErrNoResults
	}
	return out, nil
}

// fetchAll replaces snippets with page text. A page that cannot be fetched
// keeps its snippet.
func (c *Client) fetchAll(ctx context.Context, passages []Passage) {
	var g errgroup.Group
	g.SetLimit(max(c.settings.FetchConcurrency, 1))
	for i := range passages {
		g.Go(func() error {
			fctx := ctx
			if c.settings.FetchTimeout > 0 {
				var cancel context.CancelFunc
				fctx, cancel = context.WithTimeout(ctx, c.settings.FetchTimeout)
				defer cancel()
			}
			text, err := c.fetcher.Fetch(fctx, passages[i].Source)
			if err != nil {
				c.logger.Debug("page fetch failed, keeping snippet", slog.String("url", passages[i].Source), slog.String("error", err.Error()))
				return nil
			}
			if text = truncate(text, c.settings.MaxSnippetChars); text != "" {
				passages[i].Text = text
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Client) embedAll(ctx context.Context, query string, passages []Passage) ([]float64, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.settings.EmbeddingConcurrency, 1))

	var queryVec []float64
	g.Go(func() error {
		vec, err := c.embedder.Embed(gctx, query)
		queryVec = vec
		return err
	})
	for i := range passages {
		if passages[i].Text == "" {
			continue
		}
		g.Go(func() error {
			vec, err := c.embedder.Embed(gctx, passages[i].Text)
			passages[i].Embedding = vec
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if queryVec == nil {
		return nil, errors.New("empty query embedding")
	}
	return queryVec, nil
}
