package node

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chatdeck/flowengine/config"
	"github.com/go-resty/resty/v2"
)

// httpRetry wraps one attempt-fn with bounded exponential backoff. The
// node-level timeout on ctx still caps the whole call.
func httpRetry(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 15 * time.Second
	return backoff.Retry(fn, backoff.WithContext(policy, ctx))
}

// GatewaySender posts outbound messages to the channel gateway, which
// owns the per-channel wire protocols.
type GatewaySender struct {
	client *resty.Client
}

var _ Sender = new(GatewaySender)

func NewGatewaySender(conf config.GatewayConfig) *GatewaySender {
	client := resty.New().
		SetBaseURL(conf.BaseURL).
		SetHeader("Authorization", "Bearer "+conf.APIKey)
	return &GatewaySender{client: client}
}

func (s *GatewaySender) Send(ctx context.Context, conversationId string, channel string, content map[string]any) (string, error) {
	var result struct {
		MessageId string `json:"messageId"`
	}
	err := httpRetry(ctx, func() error {
		resp, err := s.client.R().
			SetContext(ctx).
			SetBody(map[string]any{
				"conversationId": conversationId,
				"channel":        channel,
				"content":        content,
			}).
			SetResult(&result).
			Post("/v1/messages")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("gateway returned %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return result.MessageId, nil
}

// CompletionProvider calls a chat-completion endpoint for ai nodes.
type CompletionProvider struct {
	client *resty.Client
	model  string
}

var _ AIProvider = new(CompletionProvider)

func NewCompletionProvider(conf config.AIConfig) *CompletionProvider {
	client := resty.New().
		SetBaseURL(conf.CompletionURL).
		SetHeader("Authorization", "Bearer "+conf.APIKey)
	return &CompletionProvider{client: client, model: conf.Model}
}

func (p *CompletionProvider) Complete(ctx context.Context, prompt string, options map[string]any) (string, error) {
	body := map[string]any{"model": p.model, "prompt": prompt}
	for k, v := range options {
		body[k] = v
	}
	var result struct {
		Text string `json:"text"`
	}
	err := httpRetry(ctx, func() error {
		resp, err := p.client.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(&result).
			Post("")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// RestyWebhookCaller performs webhook-node HTTP calls. No backoff here:
// retry policy for webhook nodes belongs to the interpreter's step
// retries so every attempt leaves a step record.
type RestyWebhookCaller struct {
	client *resty.Client
}

var _ WebhookCaller = new(RestyWebhookCaller)

func NewRestyWebhookCaller() *RestyWebhookCaller {
	return &RestyWebhookCaller{client: resty.New()}
}

func (c *RestyWebhookCaller) Call(ctx context.Context, method string, url string, headers map[string]string, payload map[string]any) (int, map[string]any, error) {
	req := c.client.R().SetContext(ctx).SetHeaders(headers)
	if payload != nil {
		req.SetBody(payload)
	}
	var body map[string]any
	req.SetResult(&body)
	resp, err := req.Execute(method, url)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode(), body, nil
}

// GatewayPipelineUpdater updates a contact's pipeline stage through the
// same gateway service.
type GatewayPipelineUpdater struct {
	client *resty.Client
}

var _ PipelineUpdater = new(GatewayPipelineUpdater)

func NewGatewayPipelineUpdater(conf config.GatewayConfig) *GatewayPipelineUpdater {
	client := resty.New().
		SetBaseURL(conf.BaseURL).
		SetHeader("Authorization", "Bearer "+conf.APIKey)
	return &GatewayPipelineUpdater{client: client}
}

func (u *GatewayPipelineUpdater) UpdateStage(ctx context.Context, tenantId string, contactId string, pipelineId string, stageId string) error {
	return httpRetry(ctx, func() error {
		resp, err := u.client.R().
			SetContext(ctx).
			SetBody(map[string]any{
				"tenantId":   tenantId,
				"pipelineId": pipelineId,
				"stageId":    stageId,
			}).
			Put(fmt.Sprintf("/v1/contacts/%s/stage", contactId))
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("gateway returned %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
}
