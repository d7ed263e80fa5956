package launch

import (
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/smartvitals/internal/domain/vitals"
	"github.com/ehr/smartvitals/internal/platform/auth"
	"github.com/ehr/smartvitals/internal/platform/sandbox"
	"github.com/ehr/smartvitals/internal/platform/session"
)

// flowEnv runs the app and the sandbox on two test servers and drives them
// with a cookie-keeping browser that does not follow redirects.
type flowEnv struct {
	app     *httptest.Server
	ehr     *httptest.Server
	sandbox *sandbox.Sandbox
	browser *http.Client
}

func newFlowEnv(t *testing.T, tokenTTL time.Duration) *flowEnv {
	t.Helper()
	appEcho, ehrEcho := echo.New(), echo.New()
	app := httptest.NewServer(appEcho)
	ehr := httptest.NewServer(ehrEcho)
	t.Cleanup(app.Close)
	t.Cleanup(ehr.Close)

	sb, err := sandbox.New(sandbox.Config{
		Issuer:       ehr.URL,
		ClientID:     "vitals-app",
		RedirectURIs: []string{app.URL + "/callback"},
		SigningKey:   []byte("flow-test-key"),
		TokenTTL:     tokenTTL,
		Seed:         sandbox.SeedConfig{PatientCount: 2, VitalsPerPatient: 3, Seed: 11},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	sb.RegisterRoutes(ehrEcho)

	storage := session.NewMemoryStorage(time.Hour)
	tokens := session.NewTokenStore(storage)
	patients := session.NewPatientStore(storage)
	ctrl := auth.NewController(auth.Config{
		ClientID:    "vitals-app",
		Scope:       "launch openid fhirUser patient/*.read patient/*.write offline_access",
		RedirectURI: app.URL + "/callback",
		AuthURL:     ehr.URL + "/auth/authorize",
		TokenURL:    ehr.URL + "/auth/token",
		FHIRBaseURL: sb.FHIRBaseURL(),
	}, storage, tokens, patients, auth.WithHTTPClient(ehr.Client()))
	tokens.SetRefresher(ctrl)

	client := vitals.NewClient(sb.FHIRBaseURL(), tokens, vitals.NewMapper(vitals.DefaultLocalCoding), vitals.WithHTTPClient(ehr.Client()))
	svc := vitals.NewService(client, patients, zerolog.Nop())

	appEcho.Use(session.Middleware(session.CookieConfig{Name: "vitals_session", MaxAge: time.Hour}))
	api := appEcho.Group("/api")
	NewHandler(ctrl, tokens, patients, "/", zerolog.Nop()).RegisterRoutes(appEcho, api)
	vitals.NewHandler(svc, ctrl, zerolog.Nop()).RegisterRoutes(api)

	jar, _ := cookiejar.New(nil)
	browser := &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &flowEnv{app: app, ehr: ehr, sandbox: sb, browser: browser}
}

func (env *flowEnv) get(t *testing.T, target string) *http.Response {
	t.Helper()
	resp, err := env.browser.Get(target)
	if err != nil {
		t.Fatalf("GET %s: %v", target, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (env *flowEnv) post(t *testing.T, target, contentType, body string) *http.Response {
	t.Helper()
	resp, err := env.browser.Post(target, contentType, strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", target, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func expectRedirect(t *testing.T, resp *http.Response, prefix string) string {
	t.Helper()
	loc := resp.Header.Get("Location")
	if resp.StatusCode != http.StatusFound || !strings.HasPrefix(loc, prefix) {
		t.Fatalf("expected 302 to %s..., got %d %q", prefix, resp.StatusCode, loc)
	}
	return loc
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestFlow_EHRLaunchToVitals(t *testing.T) {
	env := newFlowEnv(t, time.Hour)
	patientID := env.sandbox.Seed.PatientIDs[1]

	// The EHR registers a launch and opens the app.
	lc, err := env.sandbox.Auth.CreateLaunch(patientID, "", "dr-7")
	if err != nil {
		t.Fatalf("CreateLaunch: %v", err)
	}
	launchURL := env.app.URL + "/launch?" + url.Values{"launch": {lc.ID}, "iss": {env.sandbox.FHIRBaseURL()}}.Encode()

	authorizeURL := expectRedirect(t, env.get(t, launchURL), env.ehr.URL+"/auth/authorize")
	q, _ := url.Parse(authorizeURL)
	if q.Query().Get("launch") != lc.ID || q.Query().Get("aud") != env.sandbox.FHIRBaseURL() {
		t.Errorf("unexpected authorize query %s", q.RawQuery)
	}

	callbackURL := expectRedirect(t, env.get(t, authorizeURL), env.app.URL+"/callback")
	expectRedirect(t, env.get(t, callbackURL), "/")

	// Session is authenticated with the launch patient selected.
	var summary SessionSummary
	decodeJSON(t, env.get(t, env.app.URL+"/api/session"), &summary)
	if !summary.IsAuthenticated || summary.Phase != auth.PhaseAuthenticated {
		t.Fatalf("expected authenticated session, got %+v", summary)
	}
	if summary.PatientID != patientID || !summary.NeedPatientBanner || summary.Selection.PatientID != patientID {
		t.Errorf("unexpected session %+v", summary)
	}

	// Patient banner data.
	resp := env.get(t, env.app.URL+"/api/patient")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for patient, got %d", resp.StatusCode)
	}
	var patient map[string]interface{}
	decodeJSON(t, resp, &patient)
	if patient["id"] != patientID {
		t.Errorf("unexpected patient %v", patient)
	}

	// Record a vital, then list.
	resp = env.post(t, env.app.URL+"/api/patient/vitals", "application/json", `{"type":"temperature","value":98.6,"unit":"°F"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created map[string]interface{}
	decodeJSON(t, resp, &created)
	if created["id"] == nil || created["id"] == "" {
		t.Errorf("expected server-assigned id, got %v", created)
	}

	var list struct {
		PatientID string `json:"patientId"`
		Total     int    `json:"total"`
	}
	decodeJSON(t, env.get(t, env.app.URL+"/api/patient/vitals"), &list)
	if list.PatientID != patientID || list.Total != 4 {
		t.Errorf("expected 3 seeded vitals plus the new one, got %+v", list)
	}

	// A replayed callback hits invalid_grant and restarts authorization.
	expectRedirect(t, env.get(t, callbackURL), env.ehr.URL+"/auth/authorize")
	decodeJSON(t, env.get(t, env.app.URL+"/api/session"), &summary)
	if summary.IsAuthenticated || summary.Phase != auth.PhaseAwaitingCallback {
		t.Errorf("expected restarted flow, got %+v", summary)
	}

	// Logout clears everything.
	if resp := env.post(t, env.app.URL+"/logout", "", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	var after map[string]interface{}
	decodeJSON(t, env.get(t, env.app.URL+"/api/session"), &after)
	if after["isAuthenticated"] != false || after["phase"] != string(auth.PhaseUnauthenticated) {
		t.Errorf("expected logged out session, got %v", after)
	}
}

func TestFlow_UnauthenticatedVitalsOfferLogin(t *testing.T) {
	env := newFlowEnv(t, time.Hour)

	resp := env.get(t, env.app.URL+"/api/patient/vitals?id=anyone")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if !strings.HasPrefix(body["login_url"], env.ehr.URL+"/auth/authorize") {
		t.Errorf("expected a login url, got %v", body)
	}
}

// launchAndAuthorize runs an EHR launch for the first seeded patient through
// to the landing page.
func (env *flowEnv) launchAndAuthorize(t *testing.T) string {
	t.Helper()
	patientID := env.sandbox.Seed.PatientIDs[0]
	lc, err := env.sandbox.Auth.CreateLaunch(patientID, "", "")
	if err != nil {
		t.Fatalf("CreateLaunch: %v", err)
	}
	authorizeURL := expectRedirect(t, env.get(t, env.app.URL+"/launch?launch="+lc.ID), env.ehr.URL)
	callbackURL := expectRedirect(t, env.get(t, authorizeURL), env.app.URL)
	expectRedirect(t, env.get(t, callbackURL), "/")
	return patientID
}

// Tokens that live shorter than the refresh window are refreshed before
// every outbound call.
func TestFlow_ShortLivedTokenIsRefreshed(t *testing.T) {
	env := newFlowEnv(t, 30*time.Second)
	patientID := env.launchAndAuthorize(t)

	for i := 0; i < 2; i++ {
		resp := env.get(t, env.app.URL+"/api/patient")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i+1, resp.StatusCode)
		}
	}

	var summary SessionSummary
	decodeJSON(t, env.get(t, env.app.URL+"/api/session"), &summary)
	if !summary.IsAuthenticated || summary.PatientID != patientID {
		t.Errorf("expected refreshed session for %s, got %+v", patientID, summary)
	}
	if summary.NeedPatientBanner {
		t.Error("expected refresh to drop need_patient_banner")
	}
}

func TestFlow_RefreshFailureRequiresLogin(t *testing.T) {
	env := newFlowEnv(t, 30*time.Second)
	env.launchAndAuthorize(t)
	env.sandbox.Auth.RevokeRefreshTokens()

	resp := env.get(t, env.app.URL+"/api/patient")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["error"] != "login_required" || !strings.HasPrefix(body["login_url"], env.ehr.URL+"/auth/authorize") {
		t.Errorf("unexpected body %v", body)
	}

	var summary SessionSummary
	decodeJSON(t, env.get(t, env.app.URL+"/api/session"), &summary)
	if summary.IsAuthenticated {
		t.Error("expected the session to be cleared after a failed refresh")
	}
}

func TestFlow_RetriesGatewayTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the retry delay")
	}
	env := newFlowEnv(t, time.Hour)
	env.launchAndAuthorize(t)

	if resp := env.post(t, env.ehr.URL+"/sandbox/faults", "application/json", `{"status":504,"count":1}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected fault to be armed, got %d", resp.StatusCode)
	}
	resp := env.post(t, env.app.URL+"/api/patient/vitals", "application/json", `{"type":"heart-rate","value":71}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 after one retry, got %d", resp.StatusCode)
	}
}
