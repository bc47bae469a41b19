package auth

import (
	"fmt"
	"net/http"
)

// Event verbs understood by the test framework resolver.
const (
	// VerbFakeIdentity carries a scripted identity from the load and
	// integration test driver.
	VerbFakeIdentity = "test_framework_fake_identity"

	// VerbMetadataFinished closes the test driver's metadata preamble;
	// the identity announced before it becomes effective here.
	VerbMetadataFinished = "metadata_finished"

	// testFrameworkSource is the event source the test driver stamps.
	testFrameworkSource = "org.mitros.writing_analytics"
)

// TestFrameworkResolver accepts scripted identities from the event stream
// itself. Only for development and test deployments: any client can claim
// any identity.
type TestFrameworkResolver struct {
	pendingUserID string
	seenIdentity  bool
}

// NewTestFrameworkResolver returns a per-connection resolver instance.
func NewTestFrameworkResolver() *TestFrameworkResolver {
	return &TestFrameworkResolver{}
}

func (r *TestFrameworkResolver) Name() string { return "test_framework" }

// Observe watches for the fake-identity verb followed by metadata_finished.
// Both events are consumed: they authenticate, they are not telemetry.
func (r *TestFrameworkResolver) Observe(event map[string]any) (Resolution, error) {
	verb, _ := event["event"].(string)
	switch verb {
	case VerbFakeIdentity:
		userID, _ := event["user_id"].(string)
		if userID == "" {
			return Resolution{}, fmt.Errorf("%w: fake identity event without user_id", ErrUnauthorized)
		}
		if source, _ := event["source"].(string); source != "" && source != testFrameworkSource {
			return Resolution{}, fmt.Errorf("%w: fake identity from unexpected source %q", ErrUnauthorized, source)
		}
		r.pendingUserID = userID
		r.seenIdentity = true
		return Resolution{Consumed: true}, nil

	case VerbMetadataFinished:
		if !r.seenIdentity {
			return Resolution{}, nil
		}
		identity := &Identity{
			UserID:     r.pendingUserID,
			SafeUserID: SafeUserID(r.pendingUserID),
			Provenance: r.Name(),
		}
		return Resolution{Identity: identity, Consumed: true}, nil
	}
	return Resolution{}, nil
}

// HeaderConfig names the trusted reverse-proxy headers carrying identity.
type HeaderConfig struct {
	UserIDHeader string `yaml:"user_id_header"`
	EmailHeader  string `yaml:"email_header"`
}

// DefaultHeaderConfig returns the conventional header names.
func DefaultHeaderConfig() HeaderConfig {
	return HeaderConfig{
		UserIDHeader: "X-Forwarded-User",
		EmailHeader:  "X-Forwarded-Email",
	}
}

// HeaderResolver trusts identity headers injected by the reverse proxy in
// front of the service. The first observed event triggers resolution; the
// event itself is ordinary telemetry and is not consumed.
type HeaderResolver struct {
	identity *Identity
}

// NewHeaderResolver inspects the connection's request headers once.
func NewHeaderResolver(cfg HeaderConfig, headers http.Header) *HeaderResolver {
	userID := headers.Get(cfg.UserIDHeader)
	if userID == "" {
		return &HeaderResolver{}
	}
	return &HeaderResolver{identity: &Identity{
		UserID:     userID,
		SafeUserID: SafeUserID(userID),
		Email:      headers.Get(cfg.EmailHeader),
		Provenance: "trusted_header",
	}}
}

func (r *HeaderResolver) Name() string { return "trusted_header" }

func (r *HeaderResolver) Observe(map[string]any) (Resolution, error) {
	if r.identity == nil {
		return Resolution{}, nil
	}
	return Resolution{Identity: r.identity}, nil
}
