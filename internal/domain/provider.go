package domain

import "fmt"

// Provider identifies a supported public cloud framework.
type Provider string

const (
	ProviderEC2    Provider = "ec2"
	ProviderAzure  Provider = "azure"
	ProviderGCE    Provider = "gce"
	ProviderOCI    Provider = "oci"
	ProviderAliyun Provider = "aliyun"
)

// Providers lists every supported provider in a stable order.
func Providers() []Provider {
	return []Provider{ProviderEC2, ProviderAzure, ProviderGCE, ProviderOCI, ProviderAliyun}
}

// ParseProvider validates a provider name from a job document.
func ParseProvider(s string) (Provider, error) {
	p := Provider(s)
	switch p {
	case ProviderEC2, ProviderAzure, ProviderGCE, ProviderOCI, ProviderAliyun:
		return p, nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}
