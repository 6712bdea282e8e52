package paddle

// Config holds the Paddle webhook settings.
type Config struct {
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	// MaxBodyBytes caps the notification size read from the request.
	MaxBodyBytes int64 `env:"PADDLE_MAX_BODY_BYTES" envDefault:"1048576"`
}
