package dns

import "context"

// TypeA is the only record type this module manages.
const TypeA = "A"

// Record represents a DNS record as seen by, or sent to, a provider.
type Record struct {
	ID       string            // provider-assigned identifier, empty until created
	Hostname string            // FQDN, e.g. "web1.nyc.example.com"
	Type     string            // always "A" for records written by the sync
	Value    string            // IPv4 address
	TTL      int               // 0 = provider default
	Meta     map[string]string // provider-specific fields (e.g. "description")
}

// Provider is the interface that DNS providers must implement.
type Provider interface {
	// List returns the A records of the managed zone. When suffix is not
	// empty only records whose hostname ends with it are returned.
	List(ctx context.Context, suffix string) ([]Record, error)
	// Create adds record and returns the identifier assigned by the provider.
	Create(ctx context.Context, record Record) (string, error)
	// Update points the existing record identified by record.ID at record.Value.
	Update(ctx context.Context, record Record) error
}
