package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

var errAuth = errors.New("authentication failed")

// consentFlow obtains a brand new token interactively
type consentFlow interface {
	Run(ctx context.Context, config *oauth2.Config) (*oauth2.Token, error)
}

// obtainCredential returns a usable token for config. A cached token at tokenFile is used when still valid,
// refreshed when it carries a refresh token, and otherwise replaced by running flow. Any new token is written
// back to tokenFile.
func obtainCredential(ctx context.Context, config *oauth2.Config, tokenFile string, flow consentFlow) (*oauth2.Token, error) {
	var token *oauth2.Token
	if _, err := os.Stat(tokenFile); os.IsNotExist(err) {
		log.Warnf("Token file %s not found. Fetching new token.", tokenFile)
	} else {
		token, err = tokenFromFile(tokenFile)
		if err != nil {
			log.Warnf("Error loading OAuth token from file: %v", err)
		}
	}

	if token != nil && token.Valid() {
		log.Debugf("Using cached OAuth token from %s", tokenFile)
		return token, nil
	}

	var err error
	if token != nil && token.RefreshToken != "" {
		log.Infof("OAuth token expired at %s, refreshing", token.Expiry.Format(time.RFC3339))
		token, err = config.TokenSource(ctx, token).Token()
		if err != nil {
			return nil, fmt.Errorf("%w: error refreshing token: %w", errAuth, err)
		}
	} else {
		token, err = flow.Run(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errAuth, err)
		}
	}

	if err := saveTokenToFile(token, tokenFile); err != nil {
		return nil, fmt.Errorf("%w: %w", errAuth, err)
	}
	return token, nil
}

// persistingTokenSource writes every token it hands out to disk when the access token changed
type persistingTokenSource struct {
	src       oauth2.TokenSource
	tokenFile string

	mu   sync.Mutex
	last string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.src.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if token.AccessToken != s.last {
		log.Debugf("OAuth token refreshed, saving to %s", s.tokenFile)
		if err := saveTokenToFile(token, s.tokenFile); err != nil {
			log.Warnf("Could not save refreshed token: %v", err)
		}
		s.last = token.AccessToken
	}
	return token, nil
}

// newAuthorizedClient returns an HTTP client that signs requests with token and keeps tokenFile up to date
func newAuthorizedClient(ctx context.Context, config *oauth2.Config, token *oauth2.Token, tokenFile string) *http.Client {
	src := &persistingTokenSource{
		src:       config.TokenSource(ctx, token),
		tokenFile: tokenFile,
		last:      token.AccessToken,
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(token, src))
}

// saveTokenToFile saves an OAuth 2.0 token to a file
func saveTokenToFile(token *oauth2.Token, tokenFile string) error {
	f, err := os.OpenFile(tokenFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("error creating token file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(token); err != nil {
		return fmt.Errorf("error encoding token to file: %w", err)
	}
	return nil
}

// tokenFromFile loads a previously obtained OAuth 2.0 token from a file
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("error opening token file: %w", err)
	}
	defer f.Close()

	token := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(token); err != nil {
		return nil, fmt.Errorf("error decoding token: %w", err)
	}

	return token, nil
}

// localServerFlow runs the authorization code flow against a loopback HTTP listener
type localServerFlow struct {
	port         string
	callbackPath string

	// onAuthURL is called with the URL the user must visit. Defaults to logging it.
	onAuthURL func(string)
}

func (f *localServerFlow) Run(ctx context.Context, config *oauth2.Config) (*oauth2.Token, error) {
	port := f.port
	if port == "" {
		port = "0"
	}
	callbackPath := f.callbackPath
	if callbackPath == "" {
		callbackPath = "/"
	}

	listener, err := net.Listen("tcp", net.JoinHostPort("localhost", port))
	if err != nil {
		return nil, fmt.Errorf("error starting HTTP server: %w", err)
	}

	cfg := *config
	cfg.RedirectURL = fmt.Sprintf("http://localhost:%d%s", listener.Addr().(*net.TCPAddr).Port, callbackPath)

	state, err := randomState()
	if err != nil {
		listener.Close()
		return nil, err
	}

	authCodeChannel := make(chan string, 1)
	errorChannel := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("state") != state {
			http.Error(w, "State mismatch", http.StatusBadRequest)
			return
		}
		if reason := query.Get("error"); reason != "" {
			http.Error(w, "Authorization denied", http.StatusForbidden)
			sendErr(errorChannel, fmt.Errorf("authorization denied: %s", reason))
			return
		}
		authCode := query.Get("code")
		if authCode == "" {
			http.Error(w, "Authorization code not found", http.StatusBadRequest)
			sendErr(errorChannel, fmt.Errorf("authorization code not found"))
			return
		}
		select {
		case authCodeChannel <- authCode:
		default:
		}
		fmt.Fprintf(w, "Authorization successful! You can close this window.")
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Error serving OAuth callback: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	if f.onAuthURL != nil {
		f.onAuthURL(authURL)
	} else {
		log.Warn("Go to the following link in your browser, authorize the app, and return:")
		log.Warnf("%s", authURL)
	}

	select {
	case authCode := <-authCodeChannel:
		log.Debugf("Received authorization code, exchanging for token...")
		token, err := cfg.Exchange(ctx, authCode)
		if err != nil {
			return nil, fmt.Errorf("error exchanging authorization code for token: %w", err)
		}
		log.Infof("Successfully obtained OAuth token")
		return token, nil
	case err := <-errorChannel:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func sendErr(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("error generating state token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
