package driver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dmercado/republish/internal/model"
)

// SiteConfig defines how the HTTP driver reaches the listings site.
type SiteConfig struct {
	BaseURL  string
	Username string
	Password string

	// ActionsPerSecond throttles every request against the site. The
	// site's backoffice tolerates only slow interaction.
	ActionsPerSecond float64
	RequestTimeout   time.Duration
}

// containerLifecycle is the slice of BrowserManager the driver needs to
// bracket a session with the container's lifetime.
type containerLifecycle interface {
	EnsureStarted(ctx context.Context) error
	Stop(ctx context.Context) error
}

// SiteDriver automates the listings site over HTTP: form login with a
// cookie session, listing discovery from the backoffice page, and one bump
// plus confirm request per republished item.
type SiteDriver struct {
	logger  *zap.Logger
	config  SiteConfig
	limiter *rate.Limiter
	browser containerLifecycle
}

// NewSiteDriver creates a new site driver. The browser manager is optional;
// when present its container lifecycle brackets each session.
func NewSiteDriver(config SiteConfig, browser *BrowserManager, logger *zap.Logger) *SiteDriver {
	if config.ActionsPerSecond <= 0 {
		config.ActionsPerSecond = 0.5
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	d := &SiteDriver{
		logger:  logger.Named("site-driver"),
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.ActionsPerSecond), 1),
	}
	if browser != nil {
		d.browser = browser
	}
	return d
}

// Authenticate implements Driver.
func (d *SiteDriver) Authenticate(ctx context.Context) (Session, error) {
	if d.browser != nil {
		if err := d.browser.EnsureStarted(ctx); err != nil {
			return nil, &AuthError{Err: fmt.Errorf("browser container: %w", err)}
		}
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return d.loginFailed(err)
	}
	client := &http.Client{
		Jar:     jar,
		Timeout: d.config.RequestTimeout,
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return d.loginFailed(err)
	}

	form := url.Values{
		"username": {d.config.Username},
		"password": {d.config.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.config.BaseURL+"/Login", strings.NewReader(form.Encode()))
	if err != nil {
		return d.loginFailed(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return d.loginFailed(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return d.loginFailed(fmt.Errorf("login returned status %d", resp.StatusCode))
	}

	base, err := url.Parse(d.config.BaseURL)
	if err != nil {
		return d.loginFailed(err)
	}
	if len(jar.Cookies(base)) == 0 {
		return d.loginFailed(fmt.Errorf("login did not establish a session cookie"))
	}

	d.logger.Info("Authenticated against listings site",
		zap.String("base_url", d.config.BaseURL))

	return &siteSession{driver: d, client: client}, nil
}

// loginFailed tears the browser container down so a failed login does not
// leave it idling, then wraps the error for the caller.
func (d *SiteDriver) loginFailed(err error) (Session, error) {
	d.stopBrowser()
	return nil, &AuthError{Err: err}
}

func (d *SiteDriver) stopBrowser() {
	if d.browser == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.browser.Stop(ctx); err != nil {
		d.logger.Warn("Failed to stop browser container", zap.Error(err))
	}
}

// itemIDPattern extracts the data-id attribute of each pending listing's
// checkbox on the backoffice page.
var itemIDPattern = regexp.MustCompile(`class="AdCheckBox"[^>]*\bdata-id="([^"]+)"`)

type siteSession struct {
	driver *SiteDriver
	client *http.Client
}

func (s *siteSession) ListPending(ctx context.Context, category model.Category) ([]ItemID, error) {
	d := s.driver
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, &DiscoveryError{Category: category.Name, Err: err}
	}

	listURL := fmt.Sprintf("%s/Ads?brand=%s", d.config.BaseURL, url.QueryEscape(category.Name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, &DiscoveryError{Category: category.Name, Err: err}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &DiscoveryError{Category: category.Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &DiscoveryError{Category: category.Name,
			Err: fmt.Errorf("listing page returned status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &DiscoveryError{Category: category.Name, Err: err}
	}

	var items []ItemID
	for _, match := range itemIDPattern.FindAllStringSubmatch(string(body), -1) {
		items = append(items, ItemID(match[1]))
	}

	d.logger.Info("Discovered pending listings",
		zap.String("category", category.Name),
		zap.Int("count", len(items)))

	return items, nil
}

func (s *siteSession) Republish(ctx context.Context, category model.Category, item ItemID) error {
	// The site's bump flow is two requests: the bump action itself and the
	// confirmation of the popup it opens.
	steps := []string{
		fmt.Sprintf("%s/Ads/Bump/%s", s.driver.config.BaseURL, url.PathEscape(string(item))),
		fmt.Sprintf("%s/Ads/Bump/%s/Confirm", s.driver.config.BaseURL, url.PathEscape(string(item))),
	}

	for _, step := range steps {
		if err := s.driver.limiter.Wait(ctx); err != nil {
			return &ItemActionError{Category: category.Name, Item: item, Err: err}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, step, nil)
		if err != nil {
			return &ItemActionError{Category: category.Name, Item: item, Err: err}
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return &ItemActionError{Category: category.Name, Item: item, Err: err}
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 400 {
			return &ItemActionError{Category: category.Name, Item: item,
				Err: fmt.Errorf("bump step returned status %d", resp.StatusCode)}
		}
	}

	return nil
}

func (s *siteSession) Close() {
	s.driver.stopBrowser()
	s.client.CloseIdleConnections()
	s.driver.logger.Info("Closed site session")
}
