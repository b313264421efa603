package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-builder/pkg/models"
)

// MockSandbox is the in-memory state of one sandbox held by MockProvider.
type MockSandbox struct {
	State   State
	Files   map[string]string
	URL     string
	Commits []string
	Head    string
}

// MockProvider is an in-memory GitProvider for tests. Error fields inject
// failures; counters record calls. All fields are guarded by the embedded mutex
// once the provider is shared between goroutines; use the accessor methods.
type MockProvider struct {
	mu sync.Mutex

	ProviderName models.SandboxProvider
	Caps         Capabilities
	Dir          string
	Domain       string

	// CreateDelay is slept inside CreateSandbox, ignoring ctx like a real provision call.
	CreateDelay time.Duration
	CreateErr   error
	// DescribeErr, when set, is returned by every probe.
	DescribeErr error
	DeleteErr   error
	// WriteErrs fails writes to the given paths.
	WriteErrs map[string]error
	// ReadBackOverride makes ReadFile return this content for a path, to simulate write drift.
	ReadBackOverride map[string]string
	DeployResult     *DeployResult
	DeployErr        error

	Sandboxes map[string]*MockSandbox

	createCalls     int
	deleteCalls     int
	describeCalls   int
	startCalls      int
	devServerStarts int
	writeCalls      int
	nextID          int
	urlGeneration   int
}

var _ GitProvider = (*MockProvider)(nil)

// NewMockProvider returns a mock named name with the given capabilities.
func NewMockProvider(name models.SandboxProvider, caps Capabilities) *MockProvider {
	return &MockProvider{
		ProviderName: name,
		Caps:         caps,
		Dir:          "/home/user/app",
		Domain:       "sandbox.test",
		Sandboxes:    map[string]*MockSandbox{},
	}
}

func (m *MockProvider) Name() models.SandboxProvider { return m.ProviderName }
func (m *MockProvider) Capabilities() Capabilities   { return m.Caps }
func (m *MockProvider) WorkDir() string              { return m.Dir }

func (m *MockProvider) sandbox(id string) (*MockSandbox, error) {
	sb, ok := m.Sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("mock %s: %w", id, ErrSandboxNotFound)
	}
	return sb, nil
}

func (m *MockProvider) url(id string) string {
	if m.Caps.EphemeralURLs {
		return fmt.Sprintf("https://%s-g%d.%s", id, m.urlGeneration, m.Domain)
	}
	return fmt.Sprintf("https://3000-%s.%s", id, m.Domain)
}

func (m *MockProvider) ReadFile(ctx context.Context, sandboxID, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, err := m.sandbox(sandboxID)
	if err != nil {
		return "", err
	}
	if content, ok := m.ReadBackOverride[path]; ok {
		return content, nil
	}
	content, ok := sb.Files[path]
	if !ok {
		return "", fmt.Errorf("%s: %w", path, ErrFileNotFound)
	}
	return content, nil
}

func (m *MockProvider) WriteFile(ctx context.Context, sandboxID, path, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCalls++
	sb, err := m.sandbox(sandboxID)
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	if werr := m.WriteErrs[path]; werr != nil {
		return &WriteError{Path: path, Err: werr}
	}
	sb.Files[path] = content
	return nil
}

func (m *MockProvider) ListFiles(ctx context.Context, sandboxID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, err := m.sandbox(sandboxID)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(sb.Files))
	for p := range sb.Files {
		if SkippedDirs[strings.SplitN(p, "/", 2)[0]] {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *MockProvider) CreateSandbox(ctx context.Context, req CreateRequest) (*SandboxInfo, error) {
	m.mu.Lock()
	m.createCalls++
	delay, createErr := m.CreateDelay, m.CreateErr
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if createErr != nil {
		return nil, createErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("%s-sbx-%d", m.ProviderName, m.nextID)
	files := make(map[string]string, len(req.Files))
	for p, c := range req.Files {
		if !models.IsBinaryPlaceholder(c) {
			files[p] = c
		}
	}
	sb := &MockSandbox{State: StateRunning, Files: files, URL: m.url(id)}
	m.Sandboxes[id] = sb
	return &SandboxInfo{SandboxID: id, URL: sb.URL, Provider: m.ProviderName, GitBranch: req.Options.GitBranch}, nil
}

func (m *MockProvider) DeleteSandbox(ctx context.Context, sandboxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	delete(m.Sandboxes, sandboxID)
	return nil
}

func (m *MockProvider) DescribeSandbox(ctx context.Context, sandboxID string) (*SandboxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.describeCalls++
	if m.DescribeErr != nil {
		return nil, m.DescribeErr
	}
	sb, err := m.sandbox(sandboxID)
	if err != nil {
		return nil, err
	}
	return &SandboxStatus{SandboxID: sandboxID, State: sb.State, URL: sb.URL}, nil
}

func (m *MockProvider) Deploy(ctx context.Context, sandboxID string, projectID uuid.UUID, appName string) (*DeployResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.sandbox(sandboxID); err != nil {
		return nil, err
	}
	if m.DeployErr != nil {
		return nil, m.DeployErr
	}
	if m.DeployResult != nil {
		r := *m.DeployResult
		return &r, nil
	}
	return &DeployResult{URL: fmt.Sprintf("https://%s.apps.test", appName), Logs: "build ok"}, nil
}

func (m *MockProvider) Commit(ctx context.Context, sandboxID string, req CommitRequest) (*CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, err := m.sandbox(sandboxID)
	if err != nil {
		return nil, err
	}
	hash := fmt.Sprintf("%040x", len(sb.Commits)+1)
	sb.Commits = append(sb.Commits, hash)
	sb.Head = hash
	return &CommitResult{CommitHash: hash, Branch: "main"}, nil
}

func (m *MockProvider) SwitchToCommit(ctx context.Context, sandboxID, commitHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, err := m.sandbox(sandboxID)
	if err != nil {
		return err
	}
	for _, c := range sb.Commits {
		if c == commitHash {
			sb.Head = commitHash
			return nil
		}
	}
	return &APIError{Op: "checkout", StatusCode: 400, Message: "unknown revision " + commitHash}
}

func (m *MockProvider) StartDevServer(ctx context.Context, sandboxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.sandbox(sandboxID); err != nil {
		return err
	}
	m.devServerStarts++
	return nil
}

func (m *MockProvider) StartStoppedSandbox(ctx context.Context, sandboxID string) (*SandboxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls++
	sb, err := m.sandbox(sandboxID)
	if err != nil {
		return nil, err
	}
	sb.State = StateRunning
	m.urlGeneration++
	sb.URL = m.url(sandboxID)
	return &SandboxStatus{SandboxID: sandboxID, State: sb.State, URL: sb.URL}, nil
}

// AddSandbox registers an existing sandbox, for tests that start with a handle.
func (m *MockProvider) AddSandbox(id string, state State, files map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if files == nil {
		files = map[string]string{}
	}
	m.Sandboxes[id] = &MockSandbox{State: state, Files: files, URL: m.url(id)}
}

// SetState changes a sandbox's state; it is a no-op for unknown ids.
func (m *MockProvider) SetState(id string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.Sandboxes[id]; ok {
		sb.State = state
	}
}

// RotateURL simulates an ephemeral preview URL changing.
func (m *MockProvider) RotateURL(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.urlGeneration++
	if sb, ok := m.Sandboxes[id]; ok {
		sb.URL = m.url(id)
		return sb.URL
	}
	return ""
}

// SetDescribeErr sets the injected probe error.
func (m *MockProvider) SetDescribeErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DescribeErr = err
}

// File returns a sandbox file's content.
func (m *MockProvider) File(id, path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.Sandboxes[id]
	if !ok {
		return "", false
	}
	c, ok := sb.Files[path]
	return c, ok
}

// Head returns the checked-out commit of a sandbox.
func (m *MockProvider) Head(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.Sandboxes[id]; ok {
		return sb.Head
	}
	return ""
}

// Live returns the number of sandboxes that exist.
func (m *MockProvider) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sandboxes)
}

func (m *MockProvider) CreateCalls() int   { m.mu.Lock(); defer m.mu.Unlock(); return m.createCalls }
func (m *MockProvider) DeleteCalls() int   { m.mu.Lock(); defer m.mu.Unlock(); return m.deleteCalls }
func (m *MockProvider) DescribeCalls() int { m.mu.Lock(); defer m.mu.Unlock(); return m.describeCalls }
func (m *MockProvider) StartCalls() int    { m.mu.Lock(); defer m.mu.Unlock(); return m.startCalls }
func (m *MockProvider) WriteCalls() int    { m.mu.Lock(); defer m.mu.Unlock(); return m.writeCalls }
func (m *MockProvider) DevServerStarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devServerStarts
}
