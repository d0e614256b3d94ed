// internal/mailrelay/payload_test.go
package mailrelay

import (
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		kind     Kind
		wantHTML string
		wantText string
	}{
		{"json with html", `{"html":"<b>hi</b>","text":"hi"}`, KindJSON, "<b>hi</b>", "hi"},
		{"json alt html field", `{"htmlContent":"<i>x</i>"}`, KindJSON, "<i>x</i>", "x"},
		{"json array", `[{"html":"<p>a</p>"},{"html":"<p>b</p>"}]`, KindJSON, "<p>a</p>", "a"},
		{"json string", `"<p>quoted</p>"`, KindHTML, "<p>quoted</p>", "quoted"},
		{"raw html", "<html><body><p>Hello</p><script>var x=1</script></body></html>", KindHTML,
			"<html><body><p>Hello</p><script>var x=1</script></body></html>", "Hello"},
		{"plain text", "just words 1 < 2", KindText, "", "just words 1 < 2"},
		{"json number", "123456", KindText, "", "123456"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Classify([]byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.kind, p.Kind())
			assert.Equal(t, tc.wantHTML, p.HTML())
			assert.Equal(t, tc.wantText, p.Text())
		})
	}

	t.Run("empty", func(t *testing.T) {
		_, err := Classify([]byte("  \n "))
		assert.ErrorIs(t, err, ErrEmptyBody)
	})
}

func TestJSONPayload_Field(t *testing.T) {
	p, err := Classify([]byte(`{"html":"h","sub.ject":"dotted"}`))
	require.NoError(t, err)
	obj := p.(JSONPayload)
	assert.Equal(t, "h", obj.Field("html"))
	assert.Equal(t, "dotted", obj.Field("sub.ject"))
	assert.Empty(t, obj.Field("missing"))
}

func TestExtractOTP(t *testing.T) {
	code, ok := ExtractOTP("order 111111, verification code: 222222")
	assert.True(t, ok)
	assert.Equal(t, "222222", code, "labeled code wins")

	code, ok = ExtractOTP("your token 333333")
	assert.True(t, ok)
	assert.Equal(t, "333333", code)

	_, ok = ExtractOTP("1234567 is too long and 12345 too short")
	assert.False(t, ok)
}

func FuzzClassify(f *testing.F) {
	f.Add([]byte(`{"html":"<a>x</a>"}`))
	f.Add([]byte(`[1,2,3]`))
	f.Add([]byte(`<p>code 123456</p>`))
	f.Fuzz(func(t *testing.T, data []byte) {
		fz := fuzz.NewConsumer(data)
		body, err := fz.GetBytes()
		if err != nil {
			return
		}
		p, err := Classify(body)
		if err != nil {
			assert.ErrorIs(t, err, ErrEmptyBody)
			return
		}
		// None of these may panic on arbitrary input.
		_ = p.HTML()
		_, _ = ExtractOTP(p.Text())
	})
}
