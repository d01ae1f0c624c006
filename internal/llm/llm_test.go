package llm_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rendis/maildigest/internal/llm"
	"github.com/rendis/maildigest/internal/validation"
	"github.com/rendis/maildigest/pkg/schema"
)

// scriptedClient replies with a canned JSON document.
type scriptedClient struct {
	reply string
	err   error
	last  llm.Request
}

func (s *scriptedClient) Chat(_ context.Context, req llm.Request, result any) (*llm.Response, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{}, json.Unmarshal([]byte(s.reply), result)
}

func (s *scriptedClient) Model() string { return "scripted" }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var msgs = []schema.Message{
	{ID: "m1", Subject: "Interview", From: "hr@acme.com", Snippet: "Tuesday 10am", Body: strings.Repeat("x", 800)},
	{ID: "m2", Subject: "Sale", From: "shop@example.com", Snippet: "50% off"},
}

var _ = Describe("Classifier", func() {
	It("maps labels and drops unknown importance values", func() {
		c := &scriptedClient{reply: `{"classifications":[
			{"email_id":"m1","importance":"High"},
			{"email_id":"m2","importance":"urgent"}]}`}
		got, err := llm.NewClassifier(c).Classify(context.Background(), msgs)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(map[string]schema.Importance{"m1": schema.ImportanceHigh}))
		Expect(c.last.UserPrompt).To(ContainSubstring("ID: m2\nSubject: Sale"))
		Expect(c.last.SchemaName).To(Equal("emails_classification"))
	})

	It("propagates client errors", func() {
		c := &scriptedClient{err: schema.NewError(schema.ErrCodeNonRetryable, "bad request")}
		_, err := llm.NewClassifier(c).Classify(context.Background(), msgs)
		Expect(schema.CodeOf(err)).To(Equal(schema.ErrCodeNonRetryable))
	})
})

var _ = Describe("Summarizer", func() {
	It("groups mail by bucket and trims the reply", func() {
		c := &scriptedClient{reply: `{"summary":"  Reply to Acme.  "}`}
		classified := &schema.Classified{High: msgs[:1], Low: msgs[1:]}
		d, err := llm.NewSummarizer(c).Summarize(context.Background(), msgs, classified)
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Summary).To(Equal("Reply to Acme."))
		Expect(c.last.UserPrompt).To(ContainSubstring("## High importance"))
		Expect(c.last.UserPrompt).NotTo(ContainSubstring("## Medium importance"))
	})
})

var _ = Describe("Detector", func() {
	var v validation.Validator

	BeforeEach(func() {
		var err error
		v, err = validation.NewJSONSchemaValidator()
		Expect(err).NotTo(HaveOccurred())
	})

	It("parses times and drops unusable candidates", func() {
		c := &scriptedClient{reply: `{"events":[
			{"email_id":"m1","title":" Interview ","start_time":"2026-03-17T10:00:00","end_time":"","location":"","description":"","confidence":0.95},
			{"email_id":"m1","title":"Follow-up","start_time":"2026-03-18T09:00:00Z","end_time":"2026-03-18T09:30:00Z","location":"Zoom","description":"","confidence":0.6},
			{"email_id":"ghost","title":"Nope","start_time":"2026-03-18T09:00:00Z","end_time":"","location":"","description":"","confidence":0.9},
			{"email_id":"m2","title":"Sometime","start_time":"next week","end_time":"","location":"","description":"","confidence":0.8}]}`}
		taipei := time.FixedZone("CST", 8*3600)
		got, err := llm.NewDetector(c, v, taipei, quiet()).Detect(context.Background(), msgs)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(2))

		Expect(got[0].Title).To(Equal("Interview"))
		Expect(got[0].StartTime.Equal(time.Date(2026, 3, 17, 2, 0, 0, 0, time.UTC))).To(BeTrue())
		Expect(got[0].EndTime.IsZero()).To(BeTrue())
		Expect(got[0].ID).To(BeEmpty())
		Expect(got[1].Location).To(Equal("Zoom"))
		Expect(got[1].Confidence).To(BeNumerically("~", 0.6))
	})

	It("truncates bodies in the prompt", func() {
		c := &scriptedClient{reply: `{"events":[]}`}
		_, err := llm.NewDetector(c, v, nil, quiet()).Detect(context.Background(), msgs)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.last.UserPrompt).To(ContainSubstring(strings.Repeat("x", 500) + "\n"))
		Expect(c.last.UserPrompt).NotTo(ContainSubstring(strings.Repeat("x", 501)))
	})

	It("rejects output that violates the detection schema", func() {
		c := &scriptedClient{reply: `{"events":[{"email_id":"m1","title":"","start_time":"2026-03-17T10:00:00Z","confidence":1.4}]}`}
		_, err := llm.NewDetector(c, v, nil, quiet()).Detect(context.Background(), msgs)
		Expect(schema.CodeOf(err)).To(Equal(schema.ErrCodeValidation))
	})
})

var _ = Describe("OpenAI client", func() {
	var (
		srv    *httptest.Server
		status int
		body   string
		seen   map[string]any
	)

	BeforeEach(func() {
		status, seen = http.StatusOK, nil
		body = `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"summary\":\"ok\"}"}}],
			"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&seen)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
		}))
		DeferCleanup(srv.Close)
	})

	newClient := func() llm.Client {
		c, err := llm.New(llm.Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Model: "gpt-4o-mini"}, quiet())
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	It("requires an API key", func() {
		_, err := llm.New(llm.Config{}, nil)
		Expect(schema.CodeOf(err)).To(Equal(schema.ErrCodeValidation))
	})

	It("sends a strict json_schema request and decodes the reply", func() {
		var out llm.SummaryResponse
		resp, err := newClient().Chat(context.Background(), llm.Request{
			SystemPrompt: "sys", UserPrompt: "user", SchemaName: "email_digest",
			Schema: llm.GenerateSchema[llm.SummaryResponse](),
		}, &out)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Summary).To(Equal("ok"))
		Expect(resp.PromptTokens).To(Equal(12))
		Expect(seen["model"]).To(Equal("gpt-4o-mini"))
		format := seen["response_format"].(map[string]any)
		Expect(format["type"]).To(Equal("json_schema"))
	})

	DescribeTable("maps API failures onto error codes",
		func(code int, want string) {
			status = code
			body = `{"error":{"message":"nope","type":"invalid_request_error"}}`
			var out llm.SummaryResponse
			_, err := newClient().Chat(context.Background(), llm.Request{SchemaName: "x", Schema: map[string]any{}}, &out)
			Expect(schema.CodeOf(err)).To(Equal(want))
		},
		Entry("unauthorized", http.StatusUnauthorized, schema.ErrCodeUnauthorized),
		Entry("bad request", http.StatusBadRequest, schema.ErrCodeNonRetryable),
		Entry("rate limited", http.StatusTooManyRequests, schema.ErrCodeExecution),
		Entry("server error", http.StatusBadGateway, schema.ErrCodeExecution),
	)
})
