package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"carbon-scribe/analytics-engine/internal/reports"
	"carbon-scribe/analytics-engine/pkg/errdefs"
	"carbon-scribe/analytics-engine/pkg/storage"
)

// Delivery is one generated report on its way to recipients.
type Delivery struct {
	ScheduleID string
	Name       string
	Method     DeliveryMethod
	Recipients []string
	Result     *reports.ReportResult
}

// Sink receives generated report output.
type Sink interface {
	Deliver(ctx context.Context, d *Delivery) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, d *Delivery) error

func (f SinkFunc) Deliver(ctx context.Context, d *Delivery) error { return f(ctx, d) }

// =====================================================
// Router
// =====================================================

// Router dispatches deliveries to the sink registered for their method.
type Router struct {
	mu     sync.RWMutex
	sinks  map[DeliveryMethod]Sink
	logger *zap.Logger
}

// NewRouter creates an empty router
func NewRouter(logger *zap.Logger) *Router {
	return &Router{sinks: make(map[DeliveryMethod]Sink), logger: logger}
}

// Handle registers sink for method, replacing any previous one.
func (r *Router) Handle(method DeliveryMethod, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[method] = sink
}

// Methods returns the registered delivery methods in sorted order.
func (r *Router) Methods() []DeliveryMethod {
	r.mu.RLock()
	defer r.mu.RUnlock()
	methods := make([]DeliveryMethod, 0, len(r.sinks))
	for m := range r.sinks {
		methods = append(methods, m)
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i] < methods[j] })
	return methods
}

// Supports reports whether a sink is registered for method.
func (r *Router) Supports(method DeliveryMethod) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sinks[method]
	return ok
}

// Deliver hands d to its sink. Sink failures come back as ExecutionError
// so the scheduler retries them.
func (r *Router) Deliver(ctx context.Context, d *Delivery) error {
	r.mu.RLock()
	sink, ok := r.sinks[d.Method]
	r.mu.RUnlock()
	if !ok {
		return errdefs.Validation("delivery_method", "unsupported_delivery", "no sink for delivery method %q", d.Method)
	}

	start := time.Now()
	if err := sink.Deliver(ctx, d); err != nil {
		return errdefs.Execution("deliver "+string(d.Method), err)
	}

	r.logger.Info("Report delivered",
		zap.String("schedule_id", d.ScheduleID),
		zap.String("method", string(d.Method)),
		zap.Int("recipients", len(d.Recipients)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// =====================================================
// Email (SMTP and SES)
// =====================================================

// EmailConfig configuration for email delivery
type EmailConfig struct {
	SMTPHost    string `json:"smtp_host"`
	SMTPPort    int    `json:"smtp_port"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	FromAddress string `json:"from_address"`
	FromName    string `json:"from_name"`
}

// buildMessage renders a delivery as a MIME message with the report
// attached.
func buildMessage(from, fromName string, d *Delivery) *gomail.Message {
	result := d.Result
	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", from, fromName)
	msg.SetHeader("To", d.Recipients...)
	msg.SetHeader("Subject", subject(d))
	msg.SetBody("text/plain", fmt.Sprintf(
		"Report %q generated at %s with %d rows.\n\nExecution: %s\n",
		result.Name,
		result.GeneratedAt.Format(time.RFC1123),
		result.RowCount,
		result.ExecutionID))
	msg.Attach(result.Filename(),
		gomail.SetHeader(map[string][]string{"Content-Type": {result.ContentType}}),
		gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(result.Data)
			return err
		}))
	return msg
}

func subject(d *Delivery) string {
	name := d.Name
	if name == "" {
		name = d.Result.Name
	}
	return "Scheduled report: " + name
}

// EmailSink sends reports over SMTP.
type EmailSink struct {
	config EmailConfig
	send   func(msg *gomail.Message) error
	logger *zap.Logger
}

// NewEmailSink creates an SMTP sink
func NewEmailSink(config EmailConfig, logger *zap.Logger) *EmailSink {
	dialer := gomail.NewDialer(config.SMTPHost, config.SMTPPort, config.Username, config.Password)
	return &EmailSink{
		config: config,
		send:   func(msg *gomail.Message) error { return dialer.DialAndSend(msg) },
		logger: logger,
	}
}

func (s *EmailSink) Deliver(_ context.Context, d *Delivery) error {
	if len(d.Recipients) == 0 {
		return errdefs.Validation("recipients", "required", "email delivery needs at least one recipient")
	}

	s.logger.Info("Sending email",
		zap.Strings("to", d.Recipients),
		zap.String("schedule_id", d.ScheduleID))

	if err := s.send(buildMessage(s.config.FromAddress, s.config.FromName, d)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// SESAPI is the subset of the SES v2 client the sink uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSink sends reports as raw MIME messages through Amazon SES.
type SESSink struct {
	client   SESAPI
	from     string
	fromName string
}

// NewSESSink creates an SES sink
func NewSESSink(client SESAPI, from, fromName string) *SESSink {
	return &SESSink{client: client, from: from, fromName: fromName}
}

func (s *SESSink) Deliver(ctx context.Context, d *Delivery) error {
	if len(d.Recipients) == 0 {
		return errdefs.Validation("recipients", "required", "email delivery needs at least one recipient")
	}

	var raw bytes.Buffer
	if _, err := buildMessage(s.from, s.fromName, d).WriteTo(&raw); err != nil {
		return fmt.Errorf("failed to build email: %w", err)
	}

	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &sestypes.Destination{ToAddresses: d.Recipients},
		Content: &sestypes.EmailContent{
			Raw: &sestypes.RawMessage{Data: raw.Bytes()},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send email via ses: %w", err)
	}
	return nil
}

// =====================================================
// Webhook
// =====================================================

// WebhookPayload is the JSON body posted to webhook recipients.
type WebhookPayload struct {
	ScheduleID  string    `json:"schedule_id"`
	ReportID    string    `json:"report_id"`
	ExecutionID string    `json:"execution_id"`
	Name        string    `json:"name"`
	Format      string    `json:"format"`
	ContentType string    `json:"content_type"`
	RowCount    int       `json:"row_count"`
	GeneratedAt time.Time `json:"generated_at"`
	// Data is the rendered report, base64 encoded.
	Data []byte `json:"data,omitempty"`
}

func payloadFor(d *Delivery) WebhookPayload {
	r := d.Result
	return WebhookPayload{
		ScheduleID:  d.ScheduleID,
		ReportID:    r.DefinitionID,
		ExecutionID: r.ExecutionID,
		Name:        r.Name,
		Format:      string(r.Format),
		ContentType: r.ContentType,
		RowCount:    r.RowCount,
		GeneratedAt: r.GeneratedAt,
		Data:        r.Data,
	}
}

// WebhookSink posts the report to every recipient URL.
type WebhookSink struct {
	httpClient *http.Client
	headers    map[string]string
	logger     *zap.Logger
}

// NewWebhookSink creates a webhook sink
func NewWebhookSink(timeout time.Duration, headers map[string]string, logger *zap.Logger) *WebhookSink {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookSink{
		httpClient: &http.Client{Timeout: timeout},
		headers:    headers,
		logger:     logger,
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, d *Delivery) error {
	if len(d.Recipients) == 0 {
		return errdefs.Validation("recipients", "required", "webhook delivery needs at least one url")
	}

	body, err := json.Marshal(payloadFor(d))
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	for _, url := range d.Recipients {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for key, value := range s.headers {
			req.Header.Set(key, value)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("webhook %s: %w", url, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook %s returned status %d", url, resp.StatusCode)
		}
		s.logger.Debug("Webhook delivered",
			zap.String("url", url),
			zap.Int("status_code", resp.StatusCode))
	}
	return nil
}

// =====================================================
// S3 and SNS
// =====================================================

// S3Sink uploads the rendered report under prefix/schedule-id/.
type S3Sink struct {
	client storage.S3Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Sink creates an S3 sink
func NewS3Sink(client storage.S3Client, bucket, prefix string, logger *zap.Logger) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// ObjectKey is where a delivery is stored.
func (s *S3Sink) ObjectKey(d *Delivery) string {
	return path.Join(s.prefix, d.ScheduleID, d.Result.Filename())
}

func (s *S3Sink) Deliver(ctx context.Context, d *Delivery) error {
	key := s.ObjectKey(d)
	location, err := s.client.Upload(ctx, s.bucket, key, bytes.NewReader(d.Result.Data), d.Result.ContentType)
	if err != nil {
		return err
	}
	s.logger.Info("Report uploaded",
		zap.String("schedule_id", d.ScheduleID),
		zap.String("location", location))
	return nil
}

// SNSAPI is the subset of the SNS client the sink uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSink publishes a report notice to SNS topics. Recipients, when given,
// are topic ARNs that replace the default topic.
type SNSSink struct {
	client   SNSAPI
	topicARN string
}

// NewSNSSink creates an SNS sink
func NewSNSSink(client SNSAPI, topicARN string) *SNSSink {
	return &SNSSink{client: client, topicARN: topicARN}
}

func (s *SNSSink) Deliver(ctx context.Context, d *Delivery) error {
	topics := d.Recipients
	if len(topics) == 0 {
		if s.topicARN == "" {
			return errdefs.Validation("recipients", "required", "sns delivery needs a topic")
		}
		topics = []string{s.topicARN}
	}

	notice := payloadFor(d)
	// Report bodies can exceed the SNS message limit; subscribers fetch
	// them by execution id.
	notice.Data = nil
	message, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	subj := subject(d)
	if len(subj) > 100 {
		subj = subj[:100]
	}
	for _, topic := range topics {
		if _, err := s.client.Publish(ctx, &sns.PublishInput{
			TopicArn: aws.String(topic),
			Subject:  aws.String(subj),
			Message:  aws.String(string(message)),
		}); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", topic, err)
		}
	}
	return nil
}

// LogSink only logs deliveries.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, d *Delivery) error {
	s.logger.Info("Scheduled report generated",
		zap.String("schedule_id", d.ScheduleID),
		zap.String("report_id", d.Result.DefinitionID),
		zap.String("execution_id", d.Result.ExecutionID),
		zap.Int("rows", d.Result.RowCount),
		zap.Int("bytes", len(d.Result.Data)))
	return nil
}
