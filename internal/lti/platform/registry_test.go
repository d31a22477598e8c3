package platform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRegistry_EndpointsFromIssuer(t *testing.T) {
	r := NewRegistry([]string{"https://canvas.instructure.com", " ", "https://canvas.test.instructure.com/"}, "")

	p, err := r.Lookup("https://canvas.instructure.com")
	require.NoError(t, err)
	require.Equal(t, "https://canvas.instructure.com/api/lti/authorize_redirect", p.AuthorizeURL)
	require.Equal(t, "https://canvas.instructure.com/login/oauth2/token", p.TokenURL)
	require.Equal(t, "https://canvas.instructure.com/api/lti/security/jwks", p.JWKSURL)

	p, err = r.Lookup("https://canvas.test.instructure.com/")
	require.NoError(t, err)
	require.Equal(t, "https://canvas.test.instructure.com/api/lti/security/jwks", p.JWKSURL)
}

func TestNewRegistry_SharedBaseURL(t *testing.T) {
	r := NewRegistry([]string{"https://canvas.instructure.com", "https://canvas.beta.instructure.com"}, "https://iu.instructure.com/")

	for _, iss := range []string{"https://canvas.instructure.com", "https://canvas.beta.instructure.com"} {
		p, err := r.Lookup(iss)
		require.NoError(t, err)
		require.Equal(t, "https://iu.instructure.com/login/oauth2/token", p.TokenURL)
	}
}

func TestLookup_Untrusted(t *testing.T) {
	r := NewRegistry([]string{"https://canvas.instructure.com"}, "")

	_, err := r.Lookup("https://evil.example")
	require.ErrorIs(t, err, ErrUntrustedIssuer)
	require.False(t, r.IsTrusted("https://evil.example"))
	require.True(t, r.IsTrusted("https://canvas.instructure.com"))

	_, err = r.JWKSURL("https://evil.example")
	require.ErrorIs(t, err, ErrUntrustedIssuer)
}

func TestAdd_OverridesEndpoints(t *testing.T) {
	r := NewRegistry(nil, "")
	r.Add(Platform{Issuer: "https://lms.test", JWKSURL: "http://127.0.0.1:1/keys"})

	u, err := r.JWKSURL("https://lms.test")
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:1/keys", u)
}
