package ses

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/provider"
)

var _ provider.Provider = (*Provider)(nil)

// fakeClient records every SendEmail call.
type fakeClient struct {
	out    *sesv2.SendEmailOutput
	err    error
	inputs []*sesv2.SendEmailInput
}

func (f *fakeClient) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	if f.out != nil {
		return f.out, nil
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-0001")}, nil
}

func (f *fakeClient) last(t *testing.T) *sesv2.SendEmailInput {
	t.Helper()
	require.NotEmpty(t, f.inputs, "SendEmail was not called")
	return f.inputs[len(f.inputs)-1]
}

func newProvider(client *fakeClient) *Provider {
	return NewWithClient(client, Config{Sender: "noreply@example.com"})
}

func TestSend_SimpleContent(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	p := newProvider(client)

	id, err := p.Send(context.Background(), &email.Email{
		From:     "ops@example.com",
		To:       []string{"a@example.com", "b@example.com"},
		Cc:       []string{"c@example.com"},
		Bcc:      []string{"d@example.com"},
		Subject:  "Status",
		TextBody: "all green",
		HtmlBody: "<p>all green</p>",
	})
	require.NoError(t, err)
	assert.Equal(t, "ses-0001", id)

	in := client.last(t)
	assert.Equal(t, "ops@example.com", aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, []string{"c@example.com"}, in.Destination.CcAddresses)
	assert.Equal(t, []string{"d@example.com"}, in.Destination.BccAddresses)
	assert.Nil(t, in.ConfigurationSetName)

	require.NotNil(t, in.Content.Simple)
	assert.Nil(t, in.Content.Raw)
	simple := in.Content.Simple
	assert.Equal(t, "Status", aws.ToString(simple.Subject.Data))
	assert.Equal(t, "all green", aws.ToString(simple.Body.Text.Data))
	assert.Equal(t, "<p>all green</p>", aws.ToString(simple.Body.Html.Data))
	assert.Equal(t, "UTF-8", aws.ToString(simple.Body.Html.Charset))
}

func TestSend_TextOnlyOmitsHTML(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	_, err := newProvider(client).Send(context.Background(), &email.Email{
		To:       []string{"a@example.com"},
		TextBody: "plain",
	})
	require.NoError(t, err)

	body := client.last(t).Content.Simple.Body
	assert.NotNil(t, body.Text)
	assert.Nil(t, body.Html)
}

func TestSend_RawContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  *email.Email
		want []string
	}{
		{
			name: "attachments",
			msg: &email.Email{
				From:     "ops@example.com",
				To:       []string{"a@example.com"},
				Subject:  "Logs",
				TextBody: "attached",
				Attachments: []email.Attachment{
					{Filename: "run.log", ContentType: "text/plain", Content: []byte("ok")},
				},
			},
			want: []string{"From: ops@example.com", "multipart/mixed", "filename=run.log"},
		},
		{
			name: "threading and suppression headers",
			msg: &email.Email{
				From:       "alice@example.com",
				ReplyTo:    "team@example.com",
				To:         []string{"a@example.com"},
				Bcc:        []string{"hidden@example.com"},
				Subject:    "Re: Plan",
				TextBody:   "ok",
				MessageID:  "<r1@example.com>",
				InReplyTo:  "<p1@example.com>",
				References: "<p0@example.com> <p1@example.com>",
				Headers:    email.SuppressionHeaders(),
			},
			want: []string{
				"Reply-To: team@example.com",
				"In-Reply-To: <p1@example.com>",
				"References: <p0@example.com> <p1@example.com>",
				"List-Unsubscribe: \r\n",
				"Precedence: bulk",
			},
		},
		{
			name: "default sender in raw From",
			msg: &email.Email{
				To:       []string{"a@example.com"},
				ReplyTo:  "desk@example.com",
				TextBody: "x",
			},
			want: []string{"From: noreply@example.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := &fakeClient{}
			_, err := newProvider(client).Send(context.Background(), tt.msg)
			require.NoError(t, err)

			in := client.last(t)
			require.NotNil(t, in.Content.Raw)
			assert.Nil(t, in.Content.Simple)

			raw := string(in.Content.Raw.Data)
			for _, want := range tt.want {
				assert.Contains(t, raw, want)
			}
			for _, bcc := range tt.msg.Bcc {
				assert.NotContains(t, raw, bcc, "Bcc must stay in the envelope")
			}
			assert.Equal(t, tt.msg.Bcc, in.Destination.BccAddresses)
		})
	}
}

func TestSend_DefaultSender(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	_, err := newProvider(client).Send(context.Background(), &email.Email{To: []string{"a@example.com"}, TextBody: "x"})
	require.NoError(t, err)
	assert.Equal(t, "noreply@example.com", aws.ToString(client.last(t).FromEmailAddress))
}

func TestSend_MessageIDFallback(t *testing.T) {
	t.Parallel()

	client := &fakeClient{out: &sesv2.SendEmailOutput{}}
	id, err := newProvider(client).Send(context.Background(), &email.Email{
		To:        []string{"a@example.com"},
		MessageID: "<local@example.com>",
	})
	require.NoError(t, err)
	assert.Equal(t, "<local@example.com>", id)
}

func TestSend_ConfigurationSet(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	p := NewWithClient(client, Config{Sender: "noreply@example.com", ConfigurationSet: "transactional"})

	_, err := p.Send(context.Background(), &email.Email{To: []string{"a@example.com"}, TextBody: "x"})
	require.NoError(t, err)
	assert.Equal(t, "transactional", aws.ToString(client.last(t).ConfigurationSetName))
}

func TestSend_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "api error keeps code",
			err:  &smithy.GenericAPIError{Code: "MessageRejected", Message: "Email address is not verified"},
			want: "SES rejected the message (MessageRejected)",
		},
		{
			name: "transport error",
			err:  errors.New("dial tcp: i/o timeout"),
			want: "SES API request failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := &fakeClient{err: tt.err}
			_, err := newProvider(client).Send(context.Background(), &email.Email{To: []string{"a@example.com"}, TextBody: "x"})
			require.Error(t, err)
			assert.True(t, strings.HasPrefix(err.Error(), tt.want), "got %q", err.Error())
			assert.ErrorIs(t, err, tt.err)
			assert.Len(t, client.inputs, 1, "a failed send is not retried")
		})
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "ses", newProvider(&fakeClient{}).Name())
}
