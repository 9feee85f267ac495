package jwt

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/toolchainlabs/remexec/pkg/clock"
	"github.com/toolchainlabs/remexec/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RemoteJWKSSignatureValidator is a SignatureValidator that obtains its
// keys from a JSON Web Key Set served over HTTP. The key set is
// refreshed periodically through KeepRefreshed(). If a token references
// a key ID that is not part of the most recently fetched set, a refresh
// is forced out of band, so that freshly rotated signing keys become
// usable before the next periodic refresh. Forced refreshes are
// debounced to prevent unvalidatable tokens from hammering the JWKS
// endpoint.
type RemoteJWKSSignatureValidator struct {
	httpClient            *http.Client
	url                   string
	clock                 clock.Clock
	errorLogger           util.ErrorLogger
	refreshInterval       time.Duration
	forcedRefreshDebounce time.Duration

	lock               sync.Mutex
	signatureValidator SignatureValidator
	keyIDs             map[string]struct{}
	lastForcedRefresh  time.Time
	refreshing         bool
}

// NewRemoteJWKSSignatureValidator creates a SignatureValidator that
// fetches its JSON Web Key Set from the provided URL. No keys are
// loaded initially. KeepRefreshed() must be run in the background to
// load keys and keep them up to date.
func NewRemoteJWKSSignatureValidator(httpClient *http.Client, url string, clock clock.Clock, errorLogger util.ErrorLogger, refreshInterval, forcedRefreshDebounce time.Duration) *RemoteJWKSSignatureValidator {
	return &RemoteJWKSSignatureValidator{
		httpClient:            httpClient,
		url:                   url,
		clock:                 clock,
		errorLogger:           errorLogger,
		refreshInterval:       refreshInterval,
		forcedRefreshDebounce: forcedRefreshDebounce,
	}
}

// Refresh fetches the JSON Web Key Set once and replaces the current
// set of keys. On failure the previously fetched keys remain in use.
func (sv *RemoteJWKSSignatureValidator) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sv.url, nil)
	if err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to create JSON Web Key Set request")
	}
	resp, err := sv.httpClient.Do(req)
	if err != nil {
		return util.StatusWrapWithCode(err, codes.Unavailable, "Failed to fetch JSON Web Key Set")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return status.Errorf(codes.Unavailable, "JSON Web Key Set endpoint returned status %#v", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return util.StatusWrapWithCode(err, codes.Unavailable, "Failed to read JSON Web Key Set")
	}

	var jwks jose.JSONWebKeySet
	if err := json.Unmarshal(body, &jwks); err != nil {
		return util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to unmarshal JSON Web Key Set")
	}
	signatureValidator, err := NewSignatureValidatorFromJSONWebKeySet(&jwks)
	if err != nil {
		return err
	}
	keyIDs := make(map[string]struct{}, len(jwks.Keys))
	for _, jwk := range jwks.Keys {
		if jwk.KeyID != "" {
			keyIDs[jwk.KeyID] = struct{}{}
		}
	}

	sv.lock.Lock()
	sv.signatureValidator = signatureValidator
	sv.keyIDs = keyIDs
	sv.lock.Unlock()
	return nil
}

// KeepRefreshed periodically refreshes the JSON Web Key Set until the
// provided context is canceled. Fetch failures are logged and retried
// at the next interval, leaving the current keys in place.
func (sv *RemoteJWKSSignatureValidator) KeepRefreshed(ctx context.Context) error {
	for {
		if err := sv.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			sv.errorLogger.Log(util.StatusWrap(err, "Failed to refresh JSON Web Key Set"))
		}
		timer, timerChannel := sv.clock.NewTimer(sv.refreshInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timerChannel:
		}
	}
}

// IsReady returns whether the key set has been fetched successfully at
// least once. Serving processes should not report readiness before
// this returns true, as all tokens would be rejected.
func (sv *RemoteJWKSSignatureValidator) IsReady() bool {
	sv.lock.Lock()
	defer sv.lock.Unlock()
	return sv.signatureValidator != nil
}

// ValidateSignature validates a signature against the most recently
// fetched key set.
func (sv *RemoteJWKSSignatureValidator) ValidateSignature(algorithm, keyID, headerAndPayload string, signature []byte) bool {
	sv.lock.Lock()
	signatureValidator := sv.signatureValidator
	_, keyIDKnown := sv.keyIDs[keyID]
	sv.lock.Unlock()

	if signatureValidator == nil {
		return false
	}
	if signatureValidator.ValidateSignature(algorithm, keyID, headerAndPayload, signature) {
		return true
	}
	if keyID != "" && !keyIDKnown {
		sv.maybeForceRefresh()
	}
	return false
}

// maybeForceRefresh starts a refresh in the background after observing
// a token with an unknown key ID, unless one was already forced
// recently.
func (sv *RemoteJWKSSignatureValidator) maybeForceRefresh() {
	now := sv.clock.Now()

	sv.lock.Lock()
	if sv.refreshing || now.Before(sv.lastForcedRefresh.Add(sv.forcedRefreshDebounce)) {
		sv.lock.Unlock()
		return
	}
	sv.lastForcedRefresh = now
	sv.refreshing = true
	sv.lock.Unlock()

	go func() {
		if err := sv.Refresh(context.Background()); err != nil {
			sv.errorLogger.Log(util.StatusWrap(err, "Failed to refresh JSON Web Key Set after observing unknown key ID"))
		}
		sv.lock.Lock()
		sv.refreshing = false
		sv.lock.Unlock()
	}()
}
