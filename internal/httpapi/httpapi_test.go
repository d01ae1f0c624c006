package httpapi_test

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rendis/maildigest/internal/engine"
	"github.com/rendis/maildigest/internal/httpapi"
	"github.com/rendis/maildigest/internal/store"
	"github.com/rendis/maildigest/internal/streaming"
	"github.com/rendis/maildigest/internal/validation"
	"github.com/rendis/maildigest/pkg/schema"
)

const secret = "8f742231b10e8888abcd99yyyzzz85a5"

func sign(body string, ts int64) (string, string) {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%d:%s", ts, body)
	return strconv.FormatInt(ts, 10), "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func clickPayload(actionID, eventID string) string {
	p := map[string]any{
		"type":      "block_actions",
		"user":      map[string]any{"id": "U42"},
		"container": map[string]any{"type": "message", "channel_id": "C123", "message_ts": "1700000000.000100"},
		"actions":   []map[string]any{{"action_id": actionID, "value": eventID, "type": "button", "block_id": "event_actions_" + eventID}},
	}
	raw, _ := json.Marshal(p)
	return url.Values{"payload": {string(raw)}}.Encode()
}

func decode(rec *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())
	return out
}

var _ = Describe("Server", func() {
	var (
		runner  *fakeRunner
		status  *fakeStatus
		pending *fakePending
		hub     *streaming.MemoryHub
		cfg     httpapi.Config
		router  *gin.Engine
	)

	build := func() {
		v, err := validation.NewJSONSchemaValidator()
		Expect(err).NotTo(HaveOccurred())
		router = httpapi.New(cfg, httpapi.Deps{
			Runner: runner, Status: status, Pending: pending, Hub: hub, Validator: v,
		}).Router()
	}

	do := func(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	BeforeEach(func() {
		runner = &fakeRunner{}
		status = &fakeStatus{views: map[string]*engine.StatusView{}}
		pending = &fakePending{}
		hub = streaming.NewMemoryHub()
		cfg = httpapi.Config{Version: "1.2.3"}
		build()
	})

	Describe("health", func() {
		It("describes the service", func() {
			rec := do(http.MethodGet, "/", "", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode(rec)).To(Equal(map[string]any{"status": "ok", "service": "maildigest", "version": "1.2.3"}))
		})

		It("reports healthy", func() {
			rec := do(http.MethodGet, "/health", "", nil)
			Expect(decode(rec)).To(HaveKeyWithValue("status", "healthy"))
		})
	})

	Describe("POST /webhook/email-summary", func() {
		It("triggers with defaults when the body is empty", func() {
			rec := do(http.MethodPost, "/webhook/email-summary", "", nil)
			Expect(rec.Code).To(Equal(http.StatusAccepted))
			body := decode(rec)
			Expect(body).To(HaveKeyWithValue("status", "triggered"))
			Expect(body).To(HaveKeyWithValue("thread_id", "digest-generated"))
			Expect(runner.triggered).To(Equal([]engine.StartParams{{TimeRange: "24h", MaxItems: 20}}))
		})

		It("uses the configured thread id", func() {
			cfg.DefaultThreadID = "email-summary-run"
			build()
			rec := do(http.MethodPost, "/webhook/email-summary", `{"time_range":"7d","max_items":5}`, nil)
			Expect(rec.Code).To(Equal(http.StatusAccepted))
			Expect(runner.triggered[0]).To(Equal(engine.StartParams{ThreadID: "email-summary-run", TimeRange: "7d", MaxItems: 5}))
		})

		It("rejects malformed bodies", func() {
			rec := do(http.MethodPost, "/webhook/email-summary", `{"time_range":"yesterday"}`, nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(decode(rec)).To(HaveKeyWithValue("code", schema.ErrCodeValidation))
			Expect(runner.triggered).To(BeEmpty())
		})

		It("surfaces a conflicting active run", func() {
			runner.triggerErr = schema.NewError(schema.ErrCodeConflict, "thread already has a suspended run")
			rec := do(http.MethodPost, "/webhook/email-summary", "", nil)
			Expect(rec.Code).To(Equal(http.StatusConflict))
		})
	})

	Describe("POST /slack/interactive", func() {
		BeforeEach(func() {
			cfg.SigningSecret = secret
			build()
			pending.rows = []*store.PendingConfirmation{
				{ThreadID: "digest-9", EventID: "m1_event_1", Handle: "C123:1700000000.000100", Status: store.PendingOpen},
			}
		})

		signed := func(body string) map[string]string {
			ts, sig := sign(body, time.Now().Unix())
			return map[string]string{
				"X-Slack-Request-Timestamp": ts,
				"X-Slack-Signature":         sig,
				"Content-Type":              "application/x-www-form-urlencoded",
			}
		}

		It("acknowledges a confirm click and resumes the matching thread", func() {
			body := clickPayload("confirm_event", "m1_event_1")
			rec := do(http.MethodPost, "/slack/interactive", body, signed(body))
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode(rec)).To(Equal(map[string]any{
				"response_type":    "in_channel",
				"text":             "Got it! Adding the event to your calendar...",
				"replace_original": false,
			}))
			Expect(runner.resumed).To(Equal([]resumeCall{{
				threadID: "digest-9",
				decision: schema.Decision{EventID: "m1_event_1", Action: schema.ActionConfirm, Actor: "U42"},
			}}))
		})

		It("maps skip clicks", func() {
			body := clickPayload("skip_event", "m1_event_1")
			rec := do(http.MethodPost, "/slack/interactive", body, signed(body))
			Expect(decode(rec)).To(HaveKeyWithValue("text", "Got it! Skipping the event..."))
			Expect(runner.resumed[0].decision.Action).To(Equal(schema.ActionSkip))
		})

		It("rejects a bad signature", func() {
			body := clickPayload("confirm_event", "m1_event_1")
			headers := signed(body)
			headers["X-Slack-Signature"] = "v0=deadbeef"
			rec := do(http.MethodPost, "/slack/interactive", body, headers)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(runner.resumed).To(BeEmpty())
		})

		It("rejects a click without signature headers", func() {
			body := clickPayload("confirm_event", "m1_event_1")
			rec := do(http.MethodPost, "/slack/interactive", body,
				map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(runner.resumed).To(BeEmpty())
		})

		It("rejects stale timestamps", func() {
			body := clickPayload("confirm_event", "m1_event_1")
			ts, sig := sign(body, time.Now().Add(-time.Hour).Unix())
			rec := do(http.MethodPost, "/slack/interactive", body, map[string]string{
				"X-Slack-Request-Timestamp": ts, "X-Slack-Signature": sig,
			})
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("answers the url verification challenge", func() {
			body := `{"type":"url_verification","challenge":"abc"}`
			rec := do(http.MethodPost, "/slack/interactive", body, signed(body))
			Expect(decode(rec)).To(Equal(map[string]any{"challenge": "abc"}))
		})

		It("rejects a body without a payload", func() {
			body := "foo=bar"
			rec := do(http.MethodPost, "/slack/interactive", body, signed(body))
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("acknowledges clicks nobody is waiting for", func() {
			body := clickPayload("confirm_event", "other_event")
			rec := do(http.MethodPost, "/slack/interactive", body, signed(body))
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode(rec)).To(HaveKeyWithValue("text", "This event is no longer awaiting a decision."))
			Expect(runner.resumed).To(BeEmpty())
		})

		It("falls back to the configured thread", func() {
			cfg.DefaultThreadID = "email-summary-run"
			build()
			body := clickPayload("confirm_event", "other_event")
			do(http.MethodPost, "/slack/interactive", body, signed(body))
			Expect(runner.resumed).To(HaveLen(1))
			Expect(runner.resumed[0].threadID).To(Equal("email-summary-run"))
		})
	})

	Describe("runs", func() {
		BeforeEach(func() {
			status.views["digest-1"] = &engine.StatusView{
				Snapshot: &store.Snapshot{ThreadID: "digest-1", Status: schema.RunStatusSuspended, Cursor: "confirm"},
				Events:   []*store.Event{{ThreadID: "digest-1", Sequence: 1, Type: schema.EventRunStarted}},
			}
		})

		It("returns the snapshot", func() {
			rec := do(http.MethodGet, "/runs/digest-1", "", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			snap := decode(rec)["snapshot"].(map[string]any)
			Expect(snap).To(HaveKeyWithValue("status", "suspended"))
		})

		It("returns the event log", func() {
			rec := do(http.MethodGet, "/runs/digest-1/events", "", nil)
			events := decode(rec)["events"].([]any)
			Expect(events).To(HaveLen(1))
		})

		It("404s unknown threads", func() {
			rec := do(http.MethodGet, "/runs/nope", "", nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("offers no unsigned way to decide", func() {
			cfg.SigningSecret = secret
			build()
			rec := do(http.MethodPost, "/runs/digest-1/decisions", `{"event_id":"E1","action":"confirm"}`,
				map[string]string{"Content-Type": "application/json"})
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(runner.resumed).To(BeEmpty())
		})
	})

	Describe("GET /runs/:thread/stream", func() {
		It("relays the thread's events as SSE", func() {
			srv := httptest.NewServer(router)
			DeferCleanup(srv.Close)

			ctx, cancel := context.WithCancel(context.Background())
			DeferCleanup(cancel)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/runs/digest-1/stream", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(resp.Body.Close)
			Expect(resp.Header.Get("Content-Type")).To(ContainSubstring("text/event-stream"))

			Eventually(hub.Subscribers).Should(Equal(1))
			Expect(hub.Publish(ctx, streaming.StreamEvent{ThreadID: "other", EventType: "step_completed"})).To(Succeed())
			Expect(hub.Publish(ctx, streaming.StreamEvent{ThreadID: "digest-1", Step: "fetch", EventType: "step_completed", Changed: []string{"raw_items"}})).To(Succeed())

			reader := bufio.NewReader(resp.Body)
			line, err := reader.ReadString('\n')
			Expect(err).NotTo(HaveOccurred())
			Expect(line).To(Equal("event:step_completed\n"))
			line, err = reader.ReadString('\n')
			Expect(err).NotTo(HaveOccurred())
			Expect(line).To(ContainSubstring(`"thread_id":"digest-1"`))
			Expect(line).To(ContainSubstring(`"changed":["raw_items"]`))
		})
	})
})
