package llm

import (
	"context"

	"github.com/rendis/maildigest/pkg/schema"
)

type EmailImportance struct {
	EmailID    string `json:"email_id"`
	Importance string `json:"importance" jsonschema:"enum=high,enum=medium,enum=low"`
}

type ClassificationResponse struct {
	Classifications []EmailImportance `json:"classifications"`
}

var classificationSchema = GenerateSchema[ClassificationResponse]()

// Classifier assigns importance through the model.
type Classifier struct {
	client Client
}

func NewClassifier(c Client) *Classifier { return &Classifier{client: c} }

func (c *Classifier) Classify(ctx context.Context, msgs []schema.Message) (map[string]schema.Importance, error) {
	var resp ClassificationResponse
	_, err := c.client.Chat(ctx, Request{
		SystemPrompt: assistantPrompt,
		UserPrompt:   "Classify the importance of the following emails:\n\n" + emailBlock(msgs, false) + "\n\n" + classifyInstructions,
		SchemaName:   "emails_classification",
		Schema:       classificationSchema,
		Temperature:  Temp(0),
	}, &resp)
	if err != nil {
		return nil, err
	}

	out := make(map[string]schema.Importance, len(resp.Classifications))
	for _, cl := range resp.Classifications {
		lvl, ok := schema.ParseImportance(cl.Importance)
		if !ok {
			continue
		}
		out[cl.EmailID] = lvl
	}
	return out, nil
}
