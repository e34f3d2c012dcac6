package gateway

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"slices"
	"strconv"
)

// Medium is how a device expects to receive its certificate during
// certificate exchange.
type Medium int

const (
	MediumFSAccess Medium = 1 // written to the device file system by a device bridge
	MediumWWW      Medium = 2 // returned inline over the connection
	MediumNone     Medium = 3
)

func (m Medium) String() string {
	switch m {
	case MediumFSAccess:
		return "FS_ACCESS"
	case MediumWWW:
		return "WWW"
	case MediumNone:
		return "NONE"
	default:
		return "unknown"
	}
}

// CertExchangeOS lists the platforms that may use the plain gateway for
// certificate exchange.
var CertExchangeOS = []string{"Android", "iOS", "MacOS", "Metro", "Windows"}

// ClientQuery is the identity a client presents in its handshake URL.
type ClientQuery struct {
	App        string `json:"app"`
	DeviceID   string `json:"device_id"`
	Device     string `json:"device"`
	OS         string `json:"os"`
	SDKVersion int    `json:"sdk_version,omitempty"`
	Medium     Medium `json:"medium"`

	// Set only on secure connections, when the client sends them.
	CSR     string `json:"csr,omitempty"`
	CSRPath string `json:"csr_path,omitempty"`
}

// ParseClientQuery decodes the required identity fields. A required field
// that is absent, empty or repeated is an error.
func ParseClientQuery(q url.Values) (ClientQuery, error) {
	var cq ClientQuery
	required := []struct {
		key string
		dst *string
	}{
		{"device_id", &cq.DeviceID},
		{"device", &cq.Device},
		{"app", &cq.App},
		{"os", &cq.OS},
	}
	for _, f := range required {
		v, ok := single(q, f.key)
		if !ok || v == "" {
			return ClientQuery{}, fmt.Errorf("missing or invalid %q in client query", f.key)
		}
		*f.dst = v
	}

	if v, ok := single(q, "sdk_version"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ClientQuery{}, fmt.Errorf("invalid sdk_version %q: %w", v, err)
		}
		cq.SDKVersion = n
	}

	medium, err := parseMedium(q)
	if err != nil {
		return ClientQuery{}, err
	}
	cq.Medium = medium
	return cq, nil
}

// ParseSecureClientQuery is ParseClientQuery plus the optional csr
// (base64) and csr_path extensions.
func ParseSecureClientQuery(q url.Values) (ClientQuery, error) {
	cq, err := ParseClientQuery(q)
	if err != nil {
		return ClientQuery{}, err
	}
	if v, ok := single(q, "csr"); ok {
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return ClientQuery{}, fmt.Errorf("invalid base64 csr: %w", err)
		}
		cq.CSR = string(raw)
	}
	if v, ok := single(q, "csr_path"); ok {
		cq.CSRPath = v
	}
	return cq, nil
}

// VerifyCertExchangeOS fails unless the client's OS supports certificate
// exchange.
func VerifyCertExchangeOS(cq ClientQuery) error {
	if !slices.Contains(CertExchangeOS, cq.OS) {
		return fmt.Errorf("OS %q does not support certificate exchange", cq.OS)
	}
	return nil
}

func parseMedium(q url.Values) (Medium, error) {
	v, ok := single(q, "medium")
	if !ok {
		return MediumFSAccess, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid medium %q: %w", v, err)
	}
	switch m := Medium(n); m {
	case MediumFSAccess, MediumWWW, MediumNone:
		return m, nil
	default:
		return 0, fmt.Errorf("unknown certificate exchange medium %d", n)
	}
}

// single returns the value for key when it occurs exactly once.
func single(q url.Values, key string) (string, bool) {
	vs := q[key]
	if len(vs) != 1 {
		return "", false
	}
	return vs[0], true
}
