package mailer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pysched/pysched/internal/models"
)

func TestNewRequiresHost(t *testing.T) {
	assert.Nil(t, New(Config{}))
	m := New(Config{Host: "smtp.example.com"})
	assert.NotNil(t, m)
	assert.Equal(t, "587", m.cfg.Port)
	assert.Equal(t, "pysched@localhost", m.cfg.From)
}

func TestShouldNotify(t *testing.T) {
	assert.True(t, shouldNotify("all", models.StatusSuccess))
	assert.True(t, shouldNotify("all", models.StatusFailed))
	assert.True(t, shouldNotify("", models.StatusFailed))

	assert.True(t, shouldNotify("success", models.StatusSuccess))
	assert.False(t, shouldNotify("success", models.StatusFailed))

	assert.False(t, shouldNotify("failure", models.StatusSuccess))
	assert.True(t, shouldNotify("failure", models.StatusFailed))
	assert.True(t, shouldNotify("failure", models.StatusTimeout))
}

func TestSplitRecipientsStripsInjection(t *testing.T) {
	got := splitRecipients("a@example.com, b@example.com;\r\nbcc@evil.example ,")
	assert.Equal(t, []string{"a@example.com", "b@example.com", "bcc@evil.example"}, got)
	for _, addr := range got {
		assert.NotContains(t, addr, "\r")
		assert.NotContains(t, addr, "\n")
	}
	assert.Empty(t, splitRecipients("  , ; "))
}

func TestComposeBodyIncludesOutcome(t *testing.T) {
	exitCode := 1
	script := &models.Script{Name: "Nightly ETL"}
	record := &models.ExecutionRecord{
		Status:     models.StatusFailed,
		DurationMS: 2500,
		ExitCode:   &exitCode,
		Stderr:     "Traceback (most recent call last)",
	}
	body := composeBody(script, record)
	assert.Contains(t, body, "Nightly ETL")
	assert.Contains(t, body, "failed")
	assert.Contains(t, body, "Exit code: 1")
	assert.Contains(t, body, "Traceback")
}

func TestComposeMailStructure(t *testing.T) {
	msg := string(composeMail("from@example.com", []string{"to@example.com"}, "subject\r\nX-Evil: 1", "hello"))
	assert.True(t, strings.HasPrefix(msg, "To: to@example.com"))
	assert.Contains(t, msg, "Subject: subjectX-Evil: 1\r\n")
	assert.Contains(t, msg, boundary)
}
