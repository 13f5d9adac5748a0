package main

import (
	"fmt"

	"github.com/stratopipe/stratopipe/internal/jobs"
	"github.com/stratopipe/stratopipe/internal/pipeline"
)

// stageContract declares the message fields a stage consumes and produces.
// The listener arguments are validated on the inbound listener message; the
// status arguments must be filled in by the job body before a success status
// may go downstream.
type stageContract struct {
	listenerArgs  []string
	statusArgs    []string
	noCredentials bool
}

// stageContracts covers the known pipeline order:
// build, upload, create, test, replicate, publish, deprecate, cleanup.
var stageContracts = map[string]stageContract{
	"build": {
		statusArgs:    []string{"image_file"},
		noCredentials: true,
	},
	"upload": {
		listenerArgs: []string{"image_file"},
		statusArgs:   []string{"cloud_image_name", "blob_name"},
	},
	"create": {
		listenerArgs: []string{"cloud_image_name", "blob_name"},
		statusArgs:   []string{"cloud_image_name", "source_regions"},
	},
	"test": {
		listenerArgs: []string{"cloud_image_name", "source_regions"},
		statusArgs:   []string{"cloud_image_name", "source_regions"},
	},
	"replicate": {
		listenerArgs: []string{"cloud_image_name", "source_regions"},
		statusArgs:   []string{"cloud_image_name", "source_regions"},
	},
	"publish": {
		listenerArgs: []string{"cloud_image_name", "source_regions"},
		statusArgs:   []string{"cloud_image_name", "source_regions"},
	},
	"deprecate": {
		listenerArgs: []string{"cloud_image_name", "source_regions"},
		statusArgs:   []string{"cloud_image_name"},
	},
	"cleanup": {
		listenerArgs:  []string{"cloud_image_name"},
		noCredentials: true,
	},
}

// stageConfig builds the orchestrator config for a named stage.
func stageConfig(stage, prev, next string, noCredentials bool) (pipeline.Config, error) {
	contract, ok := stageContracts[stage]
	if !ok {
		return pipeline.Config{}, fmt.Errorf("unknown stage %q", stage)
	}
	return pipeline.Config{
		Stage:         stage,
		PrevStage:     prev,
		NextStage:     next,
		ListenerArgs:  contract.listenerArgs,
		StatusArgs:    contract.statusArgs,
		NoCredentials: noCredentials || contract.noCredentials,
	}, nil
}

// stageFactory builds the job-body factory for a stage. Provider bodies are
// plugged in by the per-provider builds; the stock binary registers the
// no-op fallback so jobs for providers without a body pass straight through.
func stageFactory(stage string) *jobs.Factory {
	factory := jobs.NewFactory(stage)
	factory.RegisterFallback(jobs.Noop())
	return factory
}
