package certtool

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"
)

// Key usages. Leaf certificates are used both by the desktop server (TLS
// server auth) and by devices (TLS client auth).
const (
	caKeyUsages   = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	leafKeyUsages = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
)

var leafExtKeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}

// Native implements Tooling in-process with crypto/x509.
type Native struct {
	mu  sync.Mutex // guards serial files
	now func() time.Time
}

// NewNative returns the in-process backend.
func NewNative() *Native {
	return &Native{now: time.Now}
}

// NewNativeWithClock returns the in-process backend using now for validity
// periods and chain verification.
func NewNativeWithClock(now func() time.Time) *Native {
	return &Native{now: now}
}

// Check always succeeds; the native backend has no external requirements.
func (n *Native) Check(context.Context) error { return nil }

func (n *Native) GenerateKey(_ context.Context, keyPath string) error {
	key, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := writeKey(keyPath, key); err != nil {
		return fmt.Errorf("save key: %w", err)
	}
	return nil
}

func (n *Native) CreateCSR(_ context.Context, keyPath string, subject pkix.Name, csrPath string) error {
	key, err := readKey(keyPath)
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{Subject: subject}, key)
	if err != nil {
		return fmt.Errorf("create CSR: %w", err)
	}
	pemBytes := pemEncode("CERTIFICATE REQUEST", der)
	return WriteFileAtomic(csrPath, pemBytes, certPerms)
}

func (n *Native) SelfSign(_ context.Context, keyPath string, subject pkix.Name, validity time.Duration, certPath string) error {
	key, err := readKey(keyPath)
	if err != nil {
		return fmt.Errorf("load CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return fmt.Errorf("generate CA serial: %w", err)
	}

	now := n.now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		KeyUsage:              caKeyUsages,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	// Self-signed: issuer = subject, signed with own key.
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return fmt.Errorf("create CA certificate: %w", err)
	}
	return WriteFileAtomic(certPath, encodeCert(der), certPerms)
}

func (n *Native) Sign(_ context.Context, req SignRequest) ([]byte, error) {
	csr, err := readCSR(req.CSRPath)
	if err != nil {
		return nil, fmt.Errorf("load CSR: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("CSR signature: %w", err)
	}
	caCert, err := readCert(req.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("load CA cert: %w", err)
	}
	caKey, err := readKey(req.CAKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load CA key: %w", err)
	}

	serial, err := n.nextSerial(req.SerialPath)
	if err != nil {
		return nil, err
	}

	// Go TLS clients ignore the CN, so the name is mirrored into the SANs.
	dnsNames := csr.DNSNames
	if len(dnsNames) == 0 && csr.Subject.CommonName != "" {
		dnsNames = []string{csr.Subject.CommonName}
	}

	now := n.now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		DNSNames:     dnsNames,
		NotBefore:    now,
		NotAfter:     now.Add(req.Validity),
		KeyUsage:     leafKeyUsages,
		ExtKeyUsage:  leafExtKeyUsages,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, csr.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("sign CSR: %w", err)
	}

	out := encodeCert(der)
	if req.OutPath != "" {
		if err := WriteFileAtomic(req.OutPath, out, certPerms); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (n *Native) ReadSubject(_ context.Context, csrPath string) (string, error) {
	csr, err := readCSR(csrPath)
	if err != nil {
		return "", err
	}
	return "subject=" + csr.Subject.String(), nil
}

func (n *Native) ReadExpiry(_ context.Context, certPath string) (time.Time, error) {
	cert, err := readCert(certPath)
	if err != nil {
		return time.Time{}, err
	}
	return cert.NotAfter, nil
}

func (n *Native) VerifyChain(_ context.Context, certPath, caPath string) error {
	cert, err := readCert(certPath)
	if err != nil {
		return err
	}
	ca, err := readCert(caPath)
	if err != nil {
		return err
	}
	roots := x509.NewCertPool()
	roots.AddCert(ca)
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: n.now(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("%s was not issued by %s: %w", certPath, caPath, err)
	}
	return nil
}

// nextSerial reads the hex serial stored at path, increments it, writes it
// back and returns the new value. A missing file is seeded with a random
// 64-bit serial, the same way openssl -CAcreateserial does.
func (n *Native) nextSerial(path string) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	serial := new(big.Int)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if _, ok := serial.SetString(strings.TrimSpace(string(data)), 16); !ok {
			return nil, fmt.Errorf("malformed serial file %s", path)
		}
	case os.IsNotExist(err):
		seed, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
		if err != nil {
			return nil, fmt.Errorf("seed serial: %w", err)
		}
		serial = seed
	default:
		return nil, fmt.Errorf("read serial file: %w", err)
	}

	serial.Add(serial, big.NewInt(1))
	line := strings.ToUpper(serial.Text(16)) + "\n"
	if err := WriteFileAtomic(path, []byte(line), certPerms); err != nil {
		return nil, fmt.Errorf("save serial: %w", err)
	}
	return serial, nil
}

// randomSerial generates a random 128-bit serial number for a certificate.
func randomSerial() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, fmt.Errorf("generate random serial: %w", err)
	}
	return serial, nil
}
