// Package api holds the wire types exchanged between the fleet-ca
// client and server.
package api

// SignRequest is the body of a certificate_request PUT. It asks the
// server to sign the enclosed PEM certificate request.
type SignRequest struct {
	// CertificateRequest is the PEM encoded CSR
	CertificateRequest string `json:"certificate_request" mapstructure:"certificate_request"`
	// SubjectAltNames is a raw comma-separated alt-name list; the
	// server normalizes it before signing
	SubjectAltNames string `json:"subject_alt_names,omitempty" mapstructure:"subject_alt_names"`
	// Authorized marks the request as pre-authorized, which stamps the
	// authorization marker extension onto the certificate
	Authorized bool `json:"authorized,omitempty" mapstructure:"authorized"`
}

// SignResponse carries the signed certificate back to the requester.
type SignResponse struct {
	Certificate string `json:"certificate" mapstructure:"certificate"`
}

// CertificateStatus describes one certname's standing in the inventory.
// State is "signed" or "revoked".
type CertificateStatus struct {
	Name         string   `json:"name" mapstructure:"name"`
	State        string   `json:"state" mapstructure:"state"`
	SerialNumber string   `json:"serial_number" mapstructure:"serial_number"`
	NotBefore    string   `json:"not_before" mapstructure:"not_before"`
	NotAfter     string   `json:"not_after" mapstructure:"not_after"`
	OldSerials   []string `json:"old_serials,omitempty" mapstructure:"old_serials"`
}

// Certificate states reported by the status endpoints.
const (
	StateSigned  = "signed"
	StateRevoked = "revoked"
)

// DesiredStateRequest is the body of a certificate_status PUT. The only
// accepted desired state is "revoked".
type DesiredStateRequest struct {
	DesiredState string `json:"desired_state" mapstructure:"desired_state"`
}
