package steps

import (
	"log/slog"

	"github.com/bidcraft/bidcraft/internal/blob"
	"github.com/bidcraft/bidcraft/internal/llm"
	"github.com/bidcraft/bidcraft/internal/store"
)

// RegisterAll wires the five workflow steps into the registry.
func RegisterAll(reg *Registry, st store.Store, objects blob.ObjectStore, client *llm.Client, logger *slog.Logger) error {
	costStep, err := NewCostStep(st)
	if err != nil {
		return err
	}
	templatesStep, err := NewTemplatesStep(st, objects)
	if err != nil {
		return err
	}

	for _, step := range []Step{
		NewAnalyzeStep(st, client, logger),
		costStep,
		templatesStep,
		NewSlidesStep(st, objects),
		NewDocumentStep(st, objects),
	} {
		if err := reg.Register(step); err != nil {
			return err
		}
	}
	return nil
}
