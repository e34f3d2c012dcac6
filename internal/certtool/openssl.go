package certtool

import (
	"bytes"
	"context"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrOpenSSLMissing is returned by OpenSSL.Check when no openssl binary is found.
var ErrOpenSSLMissing = errors.New("openssl is not installed; install it to continue")

// opensslDateLayout is the format of "notAfter=" lines, e.g.
// "notAfter=Mar  1 12:00:00 2027 GMT".
const opensslDateLayout = "Jan _2 15:04:05 2006 MST"

var verifyOKRegex = regexp.MustCompile(`[^:]+: OK`)

// OpenSSL implements Tooling by invoking the openssl binary.
type OpenSSL struct {
	// Binary is the openssl executable; "openssl" on $PATH by default.
	Binary string
}

// NewOpenSSL returns the process-invocation backend.
func NewOpenSSL() *OpenSSL {
	return &OpenSSL{Binary: "openssl"}
}

func (o *OpenSSL) Check(context.Context) error {
	if _, err := exec.LookPath(o.Binary); err != nil {
		return ErrOpenSSLMissing
	}
	return nil
}

func (o *OpenSSL) GenerateKey(ctx context.Context, keyPath string) error {
	_, err := o.run(ctx, "genrsa", "-out", keyPath, strconv.Itoa(RSAKeyBits))
	if err != nil {
		return err
	}
	return os.Chmod(keyPath, keyFilePerms)
}

func (o *OpenSSL) CreateCSR(ctx context.Context, keyPath string, subject pkix.Name, csrPath string) error {
	_, err := o.run(ctx, "req", "-new", "-key", keyPath, "-out", csrPath, "-subj", FormatSubject(subject))
	return err
}

func (o *OpenSSL) SelfSign(ctx context.Context, keyPath string, subject pkix.Name, validity time.Duration, certPath string) error {
	_, err := o.run(ctx, "req", "-new", "-x509",
		"-subj", FormatSubject(subject),
		"-key", keyPath,
		"-days", days(validity),
		"-out", certPath)
	return err
}

func (o *OpenSSL) Sign(ctx context.Context, req SignRequest) ([]byte, error) {
	args := []string{"x509", "-req",
		"-in", req.CSRPath,
		"-CA", req.CACertPath,
		"-CAkey", req.CAKeyPath,
		"-CAcreateserial",
		"-CAserial", req.SerialPath,
		"-days", days(req.Validity),
	}
	if req.OutPath != "" {
		args = append(args, "-out", req.OutPath)
	}
	out, err := o.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	if req.OutPath != "" {
		return os.ReadFile(req.OutPath)
	}
	return out, nil
}

func (o *OpenSSL) ReadSubject(ctx context.Context, csrPath string) (string, error) {
	out, err := o.run(ctx, "req", "-in", csrPath, "-noout", "-subject", "-nameopt", "RFC2253")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// ReadExpiry parses the -enddate output. An unparsable date is an error, so
// callers treat the certificate as expired.
func (o *OpenSSL) ReadExpiry(ctx context.Context, certPath string) (time.Time, error) {
	out, err := o.run(ctx, "x509", "-enddate", "-noout", "-in", certPath)
	if err != nil {
		return time.Time{}, err
	}
	line := strings.TrimSpace(string(out))
	_, value, ok := strings.Cut(line, "=")
	if !ok {
		return time.Time{}, fmt.Errorf("cannot parse certificate expiry date %q", line)
	}
	t, err := time.Parse(opensslDateLayout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse certificate expiry date %q: %w", line, err)
	}
	return t, nil
}

// CheckEnd reports whether the certificate stays valid for at least window,
// using openssl's own -checkend test.
func (o *OpenSSL) CheckEnd(ctx context.Context, certPath string, window time.Duration) error {
	_, err := o.run(ctx, "x509", "-checkend", strconv.Itoa(int(window.Seconds())), "-noout", "-in", certPath)
	return err
}

func (o *OpenSSL) VerifyChain(ctx context.Context, certPath, caPath string) error {
	out, err := o.run(ctx, "verify", "-CAfile", caPath, certPath)
	if err != nil {
		return err
	}
	if !verifyOKRegex.Match(out) {
		return fmt.Errorf("%s was not issued by %s", certPath, caPath)
	}
	return nil
}

func (o *OpenSSL) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, o.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("openssl %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// days rounds a validity up to whole days, with a minimum of one.
func days(d time.Duration) string {
	n := int((d + 24*time.Hour - 1) / (24 * time.Hour))
	if n < 1 {
		n = 1
	}
	return strconv.Itoa(n)
}
