package certengine

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppName(t *testing.T) {
	tests := []struct {
		subject string
		want    string
		wantErr error
	}{
		{"subject=CN=MyApp", "MyApp", nil},
		{"subject= CN=MyApp", "MyApp", nil},
		{"subject=CN= MyApp", "MyApp", nil},
		{"subject=CN=MyApp,O=Test,C=US", "MyApp", nil},
		{"subject=C=US,O=Test,CN=com.example.app-debug_2", "com.example.app-debug_2", nil},
		{"subject=O=Test, CN=MyApp", "MyApp", nil},
		{"subject=CN=My App", "", ErrDisallowedAppName},
		{"subject=CN=evil/../app", "", ErrDisallowedAppName},
		{"subject=CN=app;rm", "", ErrDisallowedAppName},
		{"subject=CN=", "", ErrDisallowedAppName},
		{"subject=O=Test", "", ErrNoCommonName},
		{"", "", ErrNoCommonName},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			got, err := ParseAppName(tt.subject)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIssuer_ExtractIdentity(t *testing.T) {
	tmp := t.TempDir()
	e := newTestEngine(t, Options{TempDir: tmp})
	ctx := context.Background()

	name, err := e.Issuer().ExtractIdentity(ctx, makeCSR(t, "com.example.MyApp"))
	require.NoError(t, err)
	assert.Equal(t, "com.example.MyApp", name)

	_, err = e.Issuer().ExtractIdentity(ctx, makeCSR(t, "My App"))
	assert.ErrorIs(t, err, ErrDisallowedAppName)

	_, err = e.Issuer().ExtractIdentity(ctx, makeCSR(t, "a/b"))
	assert.ErrorIs(t, err, ErrDisallowedAppName)

	_, err = e.Issuer().ExtractIdentity(ctx, "garbage")
	var certErr *CertificateError
	assert.ErrorAs(t, err, &certErr)

	assertEmptyDir(t, tmp)
}

func TestIssuer_SignChainsToCurrentCA(t *testing.T) {
	e := setupEngine(t, Options{})
	ctx := context.Background()

	certPEM, err := e.Issuer().Sign(ctx, makeCSR(t, "MyApp"))
	require.NoError(t, err)

	cert := parseCertPEM(t, []byte(certPEM))
	assert.Equal(t, "MyApp", cert.Subject.CommonName)
	assert.NoError(t, verifiesAgainst(cert, readFile(t, e.Paths().CACert())))
}

func TestIssuer_SerialsAreMonotonic(t *testing.T) {
	e := setupEngine(t, Options{})
	ctx := context.Background()

	first, err := e.Issuer().Sign(ctx, makeCSR(t, "MyApp"))
	require.NoError(t, err)
	second, err := e.Issuer().Sign(ctx, makeCSR(t, "MyApp"))
	require.NoError(t, err)

	a := parseCertPEM(t, []byte(first)).SerialNumber
	b := parseCertPEM(t, []byte(second)).SerialNumber
	assert.Equal(t, 1, b.Cmp(a), "serial %s should be greater than %s", b, a)
}

func TestIssuer_NoReuseAcrossRotation(t *testing.T) {
	e := setupEngine(t, Options{})
	ctx := context.Background()
	csr := makeCSR(t, "MyApp")

	before, err := e.Issuer().Sign(ctx, csr)
	require.NoError(t, err)

	require.NoError(t, os.Remove(e.Paths().CAKey()))
	require.NoError(t, e.Setup(ctx))

	after, err := e.Issuer().Sign(ctx, csr)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	newCA := readFile(t, e.Paths().CACert())
	assert.NoError(t, verifiesAgainst(parseCertPEM(t, []byte(after)), newCA))
	assert.Error(t, verifiesAgainst(parseCertPEM(t, []byte(before)), newCA))
}

func TestIssuer_TempFilesRemovedOnFailure(t *testing.T) {
	tmp := t.TempDir()
	// No CA on disk: signing must fail after the temp file is written.
	e := newTestEngine(t, Options{TempDir: tmp})

	_, err := e.Issuer().Sign(context.Background(), makeCSR(t, "MyApp"))
	var certErr *CertificateError
	require.ErrorAs(t, err, &certErr)
	assert.Equal(t, "sign client cert", certErr.Op)

	assertEmptyDir(t, tmp)
}

func TestIssuer_SignRefusesDisallowedAppName(t *testing.T) {
	tmp := t.TempDir()
	e := setupEngine(t, Options{TempDir: tmp})

	for _, cn := range []string{"My App", "evil/../app"} {
		cert, err := e.Issuer().Sign(context.Background(), makeCSR(t, cn))
		assert.ErrorIs(t, err, ErrDisallowedAppName, cn)
		assert.Empty(t, cert)
	}
	assertEmptyDir(t, tmp)
}

func TestIssuer_TempFilesRemovedOnSuccess(t *testing.T) {
	tmp := t.TempDir()
	e := setupEngine(t, Options{TempDir: tmp})

	_, err := e.Issuer().Sign(context.Background(), makeCSR(t, "MyApp"))
	require.NoError(t, err)

	assertEmptyDir(t, tmp)
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp files left behind in %s", dir)
}
