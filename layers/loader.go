package layers

import (
	"context"
	"sync"
	"time"

	"github.com/prl900/solarlayers/rastreader"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RasterFetcher retrieves one raster by URL.
type RasterFetcher interface {
	Fetch(ctx context.Context, url string) (*rastreader.Raster, error)
}

// URLs are the raster locations of a dataLayers response.
type URLs struct {
	Mask        string
	Dsm         string
	Rgb         string
	AnnualFlux  string
	MonthlyFlux string
	HourlyShade []string
}

// For lists the URLs kind needs, mask first.
func (u URLs) For(kind Kind) ([]string, error) {
	var data []string
	switch kind {
	case Mask:
	case Dsm:
		data = []string{u.Dsm}
	case Rgb:
		data = []string{u.Rgb}
	case AnnualFlux:
		data = []string{u.AnnualFlux}
	case MonthlyFlux:
		data = []string{u.MonthlyFlux}
	case HourlyShade:
		if len(u.HourlyShade) == 0 {
			return nil, &DomainConfigError{Kind: kind.String(), Reason: "no hourly shade URLs"}
		}
		data = u.HourlyShade
	default:
		return nil, &DomainConfigError{Kind: kind.String(), Reason: "unknown layer kind"}
	}
	if u.Mask == "" {
		return nil, &DomainConfigError{Kind: kind.String(), Reason: "no mask URL"}
	}
	for _, s := range data {
		if s == "" {
			return nil, &DomainConfigError{Kind: kind.String(), Reason: "no data URL"}
		}
	}
	return append([]string{u.Mask}, data...), nil
}

// Result is the outcome for one kind: a layer or the error that stopped it.
type Result struct {
	Kind  Kind
	Layer *Layer
	Err   error
}

// Results holds one Result per requested kind.
type Results map[Kind]Result

// Failed returns the kinds that did not produce a layer, in Kinds order.
func (r Results) Failed() []Kind {
	var out []Kind
	for _, k := range Kinds {
		if res, ok := r[k]; ok && res.Err != nil {
			out = append(out, k)
		}
	}
	return out
}

// EventType distinguishes progress from the terminal event.
type EventType int

const (
	EventRasterFetched EventType = iota
	EventLayerBuilt
	EventLayerFailed
	EventDone
)

// Event is emitted by Loader.Stream. Exactly one EventDone, carrying the
// results, ends every stream.
type Event struct {
	Type    EventType
	Kind    Kind
	URL     string
	Err     error
	Results Results
}

// Loader fetches and builds several layer kinds for one request. Kinds are
// independent: a failure is recorded for its kind and the rest continue.
type Loader struct {
	Fetcher RasterFetcher
	Factory *Factory
	Logger  *zap.Logger
	// Timeout bounds the whole batch. Zero means no deadline.
	Timeout time.Duration
}

func (l *Loader) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

func (l *Loader) factory() *Factory {
	if l.Factory == nil {
		return NewFactory()
	}
	return l.Factory
}

// Load fetches the rasters of every kind and builds their layers.
func (l *Loader) Load(ctx context.Context, urls URLs, kinds []Kind) Results {
	return l.load(ctx, urls, kinds, func(Event) {})
}

// Stream is Load reporting progress. The channel is buffered for every
// event the request can produce, so an abandoned stream does not leak the
// producer.
func (l *Loader) Stream(ctx context.Context, urls URLs, kinds []Kind) <-chan Event {
	size := 1
	for _, k := range kinds {
		list, _ := urls.For(k)
		size += len(list) + 1
	}
	events := make(chan Event, size)
	go func() {
		defer close(events)
		results := l.load(ctx, urls, kinds, func(ev Event) { events <- ev })
		events <- Event{Type: EventDone, Results: results}
	}()
	return events
}

func (l *Loader) load(ctx context.Context, urls URLs, kinds []Kind, emit func(Event)) Results {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(Results, len(kinds))
	)
	for _, kind := range kinds {
		if _, dup := results[kind]; dup {
			continue
		}
		results[kind] = Result{Kind: kind}
		wg.Add(1)
		go func() {
			defer wg.Done()
			layer, err := l.loadKind(ctx, kind, urls, func(ev Event) {
				mu.Lock()
				defer mu.Unlock()
				emit(ev)
			})

			mu.Lock()
			defer mu.Unlock()
			results[kind] = Result{Kind: kind, Layer: layer, Err: err}
			if err != nil {
				l.logger().Error("Failed to build layer", zap.Stringer("kind", kind), zap.Error(err))
				emit(Event{Type: EventLayerFailed, Kind: kind, Err: err})
				return
			}
			emit(Event{Type: EventLayerBuilt, Kind: kind})
		}()
	}
	wg.Wait()
	return results
}

// loadKind fetches the mask and data rasters of kind concurrently; the
// first failure cancels the rest.
func (l *Loader) loadKind(ctx context.Context, kind Kind, urls URLs, emit func(Event)) (*Layer, error) {
	list, err := urls.For(kind)
	if err != nil {
		return nil, err
	}
	rasters := make([]*rastreader.Raster, len(list))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range list {
		g.Go(func() error {
			r, err := l.Fetcher.Fetch(gctx, u)
			if err != nil {
				return err
			}
			rasters[i] = r
			emit(Event{Type: EventRasterFetched, Kind: kind, URL: u})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	layer, err := l.factory().Build(kind, inputsFor(kind, rasters))
	if err != nil {
		return nil, err
	}
	stats := rasters[len(rasters)-1].BandStats(0)
	layer.Stats = stats
	l.logger().Info("Built layer",
		zap.Stringer("kind", kind),
		zap.Int("rasters", len(rasters)),
		zap.Stringer("bounds", layer.Bounds),
		zap.Float64("min", stats.Min),
		zap.Float64("max", stats.Max),
		zap.Float64("mean", stats.Mean))
	return layer, nil
}
