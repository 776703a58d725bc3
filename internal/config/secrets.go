package config

const redacted = "[redacted]"

// Redacted returns a deep copy of the Config with all secret material
// replaced, suitable for logging at startup.
func (c *Config) Redacted() Config {
	out := *c
	if out.Database.DSN != "" {
		out.Database.DSN = redacted
	}
	if out.Database.Password != "" {
		out.Database.Password = redacted
	}
	if out.Redis.Password != "" {
		out.Redis.Password = redacted
	}
	if out.S3.AccessKey != "" {
		out.S3.AccessKey = redacted
	}
	if out.S3.SecretKey != "" {
		out.S3.SecretKey = redacted
	}
	if out.Notify.TelegramToken != "" {
		out.Notify.TelegramToken = redacted
	}
	if out.Notify.DiscordWebhookURL != "" {
		out.Notify.DiscordWebhookURL = redacted
	}
	return out
}
