package notify

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/notiq/internal/domain"
)

func payload() domain.Payload {
	return domain.Payload{
		Recipient: "alice@example.com",
		Entity:    map[string]string{"order_number": "1001"},
		Data:      map[string]any{"total": "42.00"},
	}
}

func TestRenderBundledTemplates(t *testing.T) {
	r := NewTemplateRenderer(nil, "")
	for _, e := range domain.EventTypes() {
		msg, err := r.Render(context.Background(), e, payload(), "")
		require.NoError(t, err, e)
		assert.NotEmpty(t, msg.Subject, e)
		assert.NotEmpty(t, msg.Text, e)
		assert.NotEmpty(t, msg.HTML, e)
	}
}

func TestRenderLocaleFallback(t *testing.T) {
	r := NewTemplateRenderer(nil, "")
	ctx := context.Background()

	msg, err := r.Render(ctx, domain.OrderConfirmation, payload(), "DE")
	require.NoError(t, err)
	assert.Equal(t, "Bestellung 1001 bestätigt", msg.Subject)

	msg, err = r.Render(ctx, domain.OrderConfirmation, payload(), "fr")
	require.NoError(t, err)
	assert.Equal(t, "Order 1001 confirmed", msg.Subject)
}

func TestRenderInvoiceAttachment(t *testing.T) {
	r := NewTemplateRenderer(nil, "")
	p := payload()
	p.Attachments = []string{"invoice"}
	msg, err := r.Render(context.Background(), domain.InvoiceRequest, p, "")
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "invoice.txt", msg.Attachments[0].Name)
	assert.Contains(t, string(msg.Attachments[0].Data), "Order: 1001")
	assert.Contains(t, string(msg.Attachments[0].Data), "total: 42.00")
}

func TestRenderEscapesHTML(t *testing.T) {
	r := NewTemplateRenderer(nil, "")
	p := payload()
	p.Entity["order_number"] = "<script>"
	msg, err := r.Render(context.Background(), domain.OrderConfirmation, p, "")
	require.NoError(t, err)
	assert.NotContains(t, msg.HTML, "<script>")
	assert.Contains(t, msg.Text, "<script>")
}

func TestRenderPermanentFailures(t *testing.T) {
	fsys := fstest.MapFS{
		"tpl/status_update.tmpl": {Data: []byte(`{{define "subject"}}Update{{end}}{{define "text"}}t{{end}}{{define "html"}}h{{end}}`)},
	}
	r := NewTemplateRenderer(fsys, "tpl")
	ctx := context.Background()

	_, err := r.Render(ctx, domain.StatusUpdate, payload(), "")
	require.NoError(t, err)

	_, err = r.Render(ctx, domain.OrderConfirmation, payload(), "")
	require.Error(t, err)
	assert.True(t, Permanent(err), "missing template")

	p := payload()
	p.Attachments = []string{"invoice"}
	_, err = r.Render(ctx, domain.StatusUpdate, p, "")
	require.Error(t, err)
	assert.True(t, Permanent(err), "missing attachment template")

	p = payload()
	p.Recipient = "not an address"
	_, err = r.Render(ctx, domain.StatusUpdate, p, "")
	assert.ErrorIs(t, err, ErrInvalidRecipient)
	assert.True(t, Permanent(err))
}
