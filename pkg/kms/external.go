package kms

import "fmt"

// ExternalProvider is the production seam for a managed key service (HSM,
// AWS KMS, GCP Cloud KMS). Operations fail closed until a backend is
// wired; nothing in the core falls back to local keys when an external
// provider is configured.
type ExternalProvider struct {
	Endpoint string
}

// NewExternalProvider records the endpoint of a managed key service.
func NewExternalProvider(endpoint string) *ExternalProvider {
	return &ExternalProvider{Endpoint: endpoint}
}

func (e *ExternalProvider) Key(purpose Purpose, version int) ([]byte, error) {
	return nil, fmt.Errorf("kms: external provider %q not implemented", e.Endpoint)
}

func (e *ExternalProvider) ActiveVersion() int {
	return 0
}

func (e *ExternalProvider) Rotate() (int, error) {
	return 0, fmt.Errorf("kms: external provider %q not implemented", e.Endpoint)
}
