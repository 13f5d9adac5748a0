package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stratopipe/stratopipe/internal/domain"
)

type stubBody struct{}

func (stubBody) Run(ctx context.Context, rec *domain.JobRecord) error { return nil }

func TestFactory_Create(t *testing.T) {
	f := NewFactory("upload")
	f.Register(domain.ProviderEC2, func(domain.JobDoc) (Body, error) {
		return stubBody{}, nil
	})

	body, err := f.Create(domain.ProviderEC2, domain.JobDoc{ID: "42"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, ok := body.(stubBody); !ok {
		t.Errorf("body = %T, want stubBody", body)
	}
}

func TestFactory_UnsupportedProvider(t *testing.T) {
	f := NewFactory("upload")

	_, err := f.Create(domain.ProviderAzure, domain.JobDoc{ID: "42"})
	var uerr *UnsupportedProviderError
	if !errors.As(err, &uerr) {
		t.Fatalf("err = %v (%T), want *UnsupportedProviderError", err, err)
	}
	if uerr.Provider != domain.ProviderAzure || uerr.Stage != "upload" {
		t.Errorf("error = %+v", uerr)
	}
}

func TestFactory_ConstructorErrorIsWrapped(t *testing.T) {
	cause := errors.New("missing image name")
	f := NewFactory("upload")
	f.Register(domain.ProviderGCE, func(domain.JobDoc) (Body, error) {
		return nil, cause
	})

	_, err := f.Create(domain.ProviderGCE, domain.JobDoc{ID: "42"})
	var cerr *InvalidConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v (%T), want *InvalidConfigError", err, err)
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error lost the original cause")
	}
}

func TestFactory_ConstructorPanicIsWrapped(t *testing.T) {
	f := NewFactory("upload")
	f.Register(domain.ProviderOCI, func(domain.JobDoc) (Body, error) {
		panic("bad field type")
	})

	_, err := f.Create(domain.ProviderOCI, domain.JobDoc{ID: "42"})
	var cerr *InvalidConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v (%T), want *InvalidConfigError", err, err)
	}
}

func TestFactory_FallbackBody(t *testing.T) {
	f := NewFactory("cleanup")
	f.RegisterFallback(Noop())

	body, err := f.Create(domain.ProviderAliyun, domain.JobDoc{ID: "42"})
	if err != nil {
		t.Fatalf("Create with fallback failed: %v", err)
	}

	rec := &domain.JobRecord{ID: "42", Status: domain.StatusUnknown}
	if err := body.Run(context.Background(), rec); err != nil {
		t.Fatalf("noop body failed: %v", err)
	}
	if rec.Status != domain.StatusSuccess {
		t.Errorf("Status = %q, want success", rec.Status)
	}
}
