package services

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/drydock-dev/drydock/internal/config"
	"github.com/drydock-dev/drydock/internal/logger"
	"github.com/drydock-dev/drydock/internal/recovery"
)

// ErrNoPendingLogin is returned when a code is submitted for a user with
// no login attempt in progress.
var ErrNoPendingLogin = errors.New("no login attempt pending for user")

// ErrLoginURLTimeout is returned when the CLI never printed an OAuth URL
// within the scan window.
var ErrLoginURLTimeout = errors.New("timed out waiting for login url")

var (
	oauthURLPattern = regexp.MustCompile(`https://claude\.ai/oauth/authorize\?[^\s]+`)
	ansiEscapes     = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)
)

// URLMatcher extracts the authentication URL from raw CLI output. Kept as
// an interface so the recognized pattern can change independently of the
// timeout and cancellation machinery around it.
type URLMatcher interface {
	Find(output []byte) (string, bool)
}

// oauthURLMatcher strips terminal escape sequences and scans for the
// CLI's OAuth authorize URL.
type oauthURLMatcher struct{}

func (oauthURLMatcher) Find(output []byte) (string, bool) {
	clean := ansiEscapes.ReplaceAll(output, nil)
	if m := oauthURLPattern.Find(clean); m != nil {
		return string(m), true
	}
	return "", false
}

// loginAttempt is one in-flight interactive login: the CLI running under a
// PTY, with its output accumulated for URL scanning.
type loginAttempt struct {
	userID  string
	proc    *ptyProcess
	matcher URLMatcher

	mu  sync.Mutex
	out bytes.Buffer

	exited chan struct{}
}

func (a *loginAttempt) scan() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.matcher.Find(a.out.Bytes())
}

// LoginService drives the assistant CLI's interactive OAuth login under a
// PTY, per user. Credentials land in the user's credential dir via
// CLAUDE_CONFIG_DIR, so every later invocation picks them up.
type LoginService struct {
	cfg     *config.RuntimeConfig
	spawn   func(*exec.Cmd) (*ptyProcess, error)
	matcher URLMatcher

	// urlWait bounds how long Start scans for the OAuth URL.
	urlWait time.Duration

	mu      sync.Mutex
	pending map[string]*loginAttempt
}

// NewLoginService creates the service.
func NewLoginService(cfg *config.RuntimeConfig) *LoginService {
	urlWait := cfg.LoginTimeout
	if urlWait <= 0 {
		urlWait = 30 * time.Second
	}
	return &LoginService{
		cfg:     cfg,
		spawn:   startPTYProcess,
		matcher: oauthURLMatcher{},
		urlWait: urlWait,
		pending: make(map[string]*loginAttempt),
	}
}

// Start launches a fresh login attempt for the user and returns the OAuth
// URL once the CLI prints it. Any previous pending attempt for the same
// user is cancelled first. The CLI process stays alive afterwards, waiting
// for the code via Complete.
func (s *LoginService) Start(userID string) (string, error) {
	s.Cancel(userID)

	credDir := s.cfg.UserCredentialDir(userID)
	cmd := exec.Command(s.cfg.AssistantBin, "/login")
	cmd.Dir = s.cfg.HomeDir
	cmd.Env = append(scrubEnv(os.Environ(), "ANTHROPIC_API_KEY"),
		"CLAUDE_CONFIG_DIR="+credDir,
		"TERM=xterm-256color",
	)

	proc, err := s.spawn(cmd)
	if err != nil {
		return "", fmt.Errorf("failed to start login for user %s: %w", userID, err)
	}

	attempt := &loginAttempt{userID: userID, proc: proc, matcher: s.matcher, exited: make(chan struct{})}
	s.mu.Lock()
	s.pending[userID] = attempt
	s.mu.Unlock()

	recovery.SafeGo("login-read-"+userID, func() {
		buf := make([]byte, 4096)
		for {
			n, err := proc.file.Read(buf)
			if n > 0 {
				attempt.mu.Lock()
				attempt.out.Write(buf[:n])
				attempt.mu.Unlock()
			}
			if err != nil {
				break
			}
		}
		proc.wait()
		close(attempt.exited)
	})

	logger.Infof("login attempt started for user %s (pid %d)", userID, proc.pid)
	url, err := s.waitForURL(attempt)
	if err != nil {
		s.cancelAttempt(attempt)
		return "", err
	}
	return url, nil
}

// waitForURL polls the accumulated PTY output for an OAuth URL until the
// deadline, with one last scrape after the timer fires.
func (s *LoginService) waitForURL(attempt *loginAttempt) (string, error) {
	deadline := time.NewTimer(s.urlWait)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if url, ok := attempt.scan(); ok {
				return url, nil
			}
		case <-attempt.exited:
			// Process died early; whatever it printed is all we get.
			if url, ok := attempt.scan(); ok {
				return url, nil
			}
			return "", fmt.Errorf("login process for user %s exited before printing a url", attempt.userID)
		case <-deadline.C:
			if url, ok := attempt.scan(); ok {
				return url, nil
			}
			return "", ErrLoginURLTimeout
		}
	}
}

// Complete submits the OAuth code to the pending CLI and waits for it to
// finish writing credentials.
func (s *LoginService) Complete(userID, code string) error {
	s.mu.Lock()
	attempt, ok := s.pending[userID]
	s.mu.Unlock()
	if !ok {
		return ErrNoPendingLogin
	}

	if _, err := attempt.proc.file.Write([]byte(code + "\n")); err != nil {
		s.cancelAttempt(attempt)
		return fmt.Errorf("failed to submit login code for user %s: %w", userID, err)
	}

	select {
	case <-attempt.exited:
	case <-time.After(30 * time.Second):
		logger.Warnf("login process for user %s did not exit after code submission", userID)
	}

	s.mu.Lock()
	if s.pending[userID] == attempt {
		delete(s.pending, userID)
	}
	s.mu.Unlock()

	logger.Infof("login completed for user %s", userID)
	return nil
}

// Pending reports whether the user has a login attempt awaiting a code.
func (s *LoginService) Pending(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[userID]
	return ok
}

// Cancel kills any pending login attempt for the user. No-op when there is
// none.
func (s *LoginService) Cancel(userID string) {
	s.mu.Lock()
	attempt, ok := s.pending[userID]
	s.mu.Unlock()
	if ok {
		logger.Infof("cancelling pending login for user %s", userID)
		s.cancelAttempt(attempt)
	}
}

func (s *LoginService) cancelAttempt(attempt *loginAttempt) {
	_ = attempt.proc.kill()
	_ = attempt.proc.file.Close()

	s.mu.Lock()
	if s.pending[attempt.userID] == attempt {
		delete(s.pending, attempt.userID)
	}
	s.mu.Unlock()
}
