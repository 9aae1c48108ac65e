package producer

import (
	"fmt"

	logpkg "github.com/skeinlabs/skein/pkg/log"
)

// Registry routes model ids to producers. An unknown model falls back to the
// configured default, and the substitution is reported so the consumer's
// model frame can carry it.
type Registry struct {
	producers map[string]Producer
	fallback  string
	logger    logpkg.Logger
}

// NewRegistry builds a registry. fallbackModel may be empty, in which case
// unknown models are rejected outright.
func NewRegistry(fallbackModel string, logger logpkg.Logger) *Registry {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Registry{
		producers: make(map[string]Producer),
		fallback:  fallbackModel,
		logger:    logger.With(logpkg.Component("producer")),
	}
}

// Register binds a model id to a producer.
func (r *Registry) Register(modelID string, p Producer) {
	r.producers[modelID] = p
}

// Resolve returns the producer and effective model id for modelID.
// fellBack is true when the default model was substituted.
func (r *Registry) Resolve(modelID string) (p Producer, resolved string, fellBack bool, err error) {
	if p, ok := r.producers[modelID]; ok {
		return p, modelID, false, nil
	}
	if r.fallback != "" {
		if p, ok := r.producers[r.fallback]; ok {
			r.logger.Warn("unknown model, substituting default",
				logpkg.Str("requested", modelID),
				logpkg.Str("default", r.fallback),
			)
			return p, r.fallback, true, nil
		}
	}
	return nil, "", false, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
}

// Models lists the registered model ids.
func (r *Registry) Models() []string {
	out := make([]string, 0, len(r.producers))
	for id := range r.producers {
		out = append(out, id)
	}
	return out
}
