package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vdavid/mailguard/internal/models"
)

func TestExtractLinks(t *testing.T) {
	t.Run("bare and scheme-less urls", func(t *testing.T) {
		links := ExtractLinks("Urgent: visit secure-login.com/reset",
			"Go to https://bank.example/a or https://bank.example/a again.", nil)

		assert.Equal(t, []models.Link{
			{Display: "secure-login.com/reset", Probe: "https://secure-login.com/reset"},
			{Display: "https://bank.example/a", Probe: "https://bank.example/a"},
		}, links)
	})

	t.Run("anchors are deduplicated against text matches", func(t *testing.T) {
		links := ExtractLinks("", "see https://x.example/p", []string{"https://x.example/p", "https://y.example/q"})

		assert.Len(t, links, 2)
		assert.Equal(t, "https://y.example/q", links[1].Display)
	})

	t.Run("non-web targets are dropped", func(t *testing.T) {
		links := ExtractLinks("", "write to help@bank.example", []string{"mailto:help@bank.example", "#top", "javascript:void(0)", "tel:+123"})

		assert.Empty(t, links)
	})

	t.Run("relative anchors are dropped", func(t *testing.T) {
		links := ExtractLinks("", "", []string{"/account/verify.html", "images/logo.png", "../unsubscribe", "https:///no-host", "?ref=mail"})

		assert.Empty(t, links)
	})

	t.Run("absolute and host-only anchors are kept", func(t *testing.T) {
		links := ExtractLinks("", "", []string{"HTTPS://Secure-Login.com/verify", "www.secure-login.com/reset"})

		assert.Equal(t, []models.Link{
			{Display: "HTTPS://Secure-Login.com/verify", Probe: "HTTPS://Secure-Login.com/verify"},
			{Display: "www.secure-login.com/reset", Probe: "https://www.secure-login.com/reset"},
		}, links)
	})

	t.Run("no links", func(t *testing.T) {
		assert.Empty(t, ExtractLinks("hello", "plain words only", nil))
	})
}
