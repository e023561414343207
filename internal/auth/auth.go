package auth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// CalendarScope is the only scope the sync needs: create and read events.
const CalendarScope = "https://www.googleapis.com/auth/calendar"

// authTimeout bounds how long the loopback flow waits for the browser.
const authTimeout = 5 * time.Minute

// TokenStore is an interface for saving and loading OAuth tokens.
type TokenStore interface {
	SaveToken(token *oauth2.Token) error
	LoadToken() (*oauth2.Token, error)
}

// NewGoogleOAuthConfig returns the OAuth client configuration for Google
// Calendar. The redirect URL is filled in by the loopback flow.
func NewGoogleOAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  "http://127.0.0.1:8080",
		Scopes: []string{
			CalendarScope,
			"https://www.googleapis.com/auth/calendar.events",
		},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}
}

// autoSaveTokenSource wraps an oauth2.TokenSource and automatically saves refreshed tokens.
type autoSaveTokenSource struct {
	mu         sync.Mutex
	source     oauth2.TokenSource
	tokenStore TokenStore
	lastToken  *oauth2.Token
}

// Token implements oauth2.TokenSource and saves the token if it was refreshed.
func (a *autoSaveTokenSource) Token() (*oauth2.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	token, err := a.source.Token()
	if err != nil {
		return nil, err
	}

	// Check if the token was refreshed by comparing access tokens
	if a.lastToken == nil || a.lastToken.AccessToken != token.AccessToken {
		if err := a.tokenStore.SaveToken(token); err != nil {
			return nil, fmt.Errorf("failed to save refreshed token: %w", err)
		}
		slog.Debug("Saved refreshed OAuth token")
		a.lastToken = token
	}

	return token, nil
}

// startLocalServer starts a local HTTP server to receive the OAuth callback.
// Returns the redirect URL, a channel for the authorization code, and a channel for errors.
// Uses port 8080 by default, or a random port if 8080 is unavailable.
func startLocalServer() (string, <-chan string, <-chan error, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:8080")
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to start local server: %w", err)
		}
	}

	port := listener.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d", port)

	codeChan := make(chan string, 1)
	errorChan := make(chan error, 1)

	server := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  10 * time.Second,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if code := r.URL.Query().Get("code"); code != "" {
			fmt.Fprintf(w, "<html><body><h1>Authorization successful!</h1><p>You can close this window and return to shiftsync.</p></body></html>")
			select {
			case codeChan <- code:
			default:
			}
		} else {
			errMsg := r.URL.Query().Get("error")
			if errMsg == "" {
				errMsg = "no authorization code received"
			}
			fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>Error: %s</p></body></html>", errMsg)
			select {
			case errorChan <- fmt.Errorf("authorization error: %s", errMsg):
			default:
			}
		}
		go func() {
			time.Sleep(1 * time.Second)
			_ = server.Shutdown(context.Background())
		}()
	})
	server.Handler = mux

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			select {
			case errorChan <- fmt.Errorf("server error: %w", err):
			default:
			}
		}
	}()

	return redirectURL, codeChan, errorChan, nil
}

// authorizeInteractive runs the browser flow against a loopback redirect.
func authorizeInteractive(ctx context.Context, oauthConfig *oauth2.Config) (*oauth2.Token, error) {
	redirectURL, codeChan, errorChan, err := startLocalServer()
	if err != nil {
		return nil, err
	}
	oauthConfig.RedirectURL = redirectURL

	authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	fmt.Fprintf(os.Stderr, "Starting local server on %s\n", redirectURL)
	if redirectURL != "http://127.0.0.1:8080" {
		fmt.Fprintf(os.Stderr, "Note: Port 8080 was unavailable. Make sure to add %s to your authorized redirect URIs in Google Cloud Console.\n", redirectURL)
	}
	fmt.Fprintln(os.Stderr, "\nPlease visit the following URL to authorize access to your Google Calendar:")
	fmt.Fprintln(os.Stderr, authURL)
	fmt.Fprintln(os.Stderr, "\nWaiting for authorization...")

	var code string
	select {
	case code = <-codeChan:
	case err := <-errorChan:
		return nil, fmt.Errorf("failed to receive authorization code: %w", err)
	case <-time.After(authTimeout):
		return nil, fmt.Errorf("authorization timeout: no response received within %v", authTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	token, err := oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return token, nil
}

// authorizeWithReader reads the authorization code from reader instead of
// running a local server.
func authorizeWithReader(ctx context.Context, oauthConfig *oauth2.Config, reader io.Reader) (*oauth2.Token, error) {
	authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)

	fmt.Fprintln(os.Stderr, "Please visit the following URL to authorize the application:")
	fmt.Fprintln(os.Stderr, authURL)
	fmt.Fprint(os.Stderr, "Enter the authorization code: ")

	var code string
	if _, err := fmt.Fscanln(reader, &code); err != nil {
		return nil, fmt.Errorf("failed to read authorization code: %w", err)
	}

	token, err := oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return token, nil
}

// GetTokenSource returns a token source for the calendar owner. If no token
// is stored yet, it guides the user through the interactive OAuth flow.
// Refreshed tokens are written back to tokenStore.
func GetTokenSource(ctx context.Context, oauthConfig *oauth2.Config, tokenStore TokenStore) (oauth2.TokenSource, error) {
	return getTokenSource(ctx, oauthConfig, tokenStore, func() (*oauth2.Token, error) {
		return authorizeInteractive(ctx, oauthConfig)
	})
}

// GetTokenSourceWithReader is GetTokenSource with the authorization code read
// from reader, for headless machines and tests.
func GetTokenSourceWithReader(ctx context.Context, oauthConfig *oauth2.Config, tokenStore TokenStore, reader io.Reader) (oauth2.TokenSource, error) {
	return getTokenSource(ctx, oauthConfig, tokenStore, func() (*oauth2.Token, error) {
		return authorizeWithReader(ctx, oauthConfig, reader)
	})
}

func getTokenSource(ctx context.Context, oauthConfig *oauth2.Config, tokenStore TokenStore, authorize func() (*oauth2.Token, error)) (oauth2.TokenSource, error) {
	token, err := tokenStore.LoadToken()
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	// If token is nil (first run), perform interactive OAuth flow
	if token == nil {
		token, err = authorize()
		if err != nil {
			return nil, err
		}
		if err := tokenStore.SaveToken(token); err != nil {
			return nil, fmt.Errorf("failed to save token: %w", err)
		}
		slog.Info("Authorization successful")
	}

	return &autoSaveTokenSource{
		source:     oauth2.ReuseTokenSource(token, oauthConfig.TokenSource(ctx, token)),
		tokenStore: tokenStore,
		lastToken:  token,
	}, nil
}
