package models

// TriggerKind is the mechanism that starts an execution.
type TriggerKind string

const (
	TriggerKindWebhook  TriggerKind = "webhook"
	TriggerKindSchedule TriggerKind = "schedule"
	TriggerKindManual   TriggerKind = "manual"
)

// Trigger binds a node of a workflow to a start mechanism.
type Trigger struct {
	ID       string            `json:"id"`
	NodeID   string            `json:"nodeId"             validate:"required"`
	Kind     TriggerKind       `json:"kind"               validate:"required,oneof=webhook schedule manual"`
	Active   bool              `json:"active"`
	Webhook  *WebhookSettings  `json:"webhook,omitempty"  validate:"required_if=Kind webhook"`
	Schedule *ScheduleSettings `json:"schedule,omitempty" validate:"required_if=Kind schedule"`
}

// ProtectionMode selects how inbound webhook calls authenticate.
type ProtectionMode string

const (
	ProtectionNone      ProtectionMode = "none"
	ProtectionPassword  ProtectionMode = "password"
	ProtectionAccessKey ProtectionMode = "accessKey"
)

const (
	DefaultPasswordField  = "X-Webhook-Password"
	DefaultAccessKeyField = "X-Access-Key"
)

type WebhookSettings struct {
	// ID is the path segment under /webhook/ and is unique per installation.
	ID string `json:"id"                   validate:"required,excludesall=/?#"`
	// Methods is the allow-list of HTTP methods, empty allows any.
	Methods    []string          `json:"methods,omitempty"`
	Protection WebhookProtection `json:"protection"`
	// BodySchema is an optional JSON schema the request body must satisfy.
	BodySchema map[string]any `json:"bodySchema,omitempty"`
}

type WebhookProtection struct {
	Mode ProtectionMode `json:"mode,omitempty" validate:"omitempty,oneof=none password accessKey"`
	// Field is the header or query parameter carrying the secret.
	Field  string `json:"field,omitempty"`
	Secret string `json:"secret,omitempty"`
}

// Enabled reports whether requests must present a secret.
func (p WebhookProtection) Enabled() bool {
	return p.Mode == ProtectionPassword || p.Mode == ProtectionAccessKey
}

// FieldName returns the configured field or the default for the mode.
func (p WebhookProtection) FieldName() string {
	if p.Field != "" {
		return p.Field
	}

	if p.Mode == ProtectionAccessKey {
		return DefaultAccessKeyField
	}

	return DefaultPasswordField
}

type ScheduleSettings struct {
	// Cron is a standard five field cron expression.
	Cron     string `json:"cron"               validate:"required"`
	Timezone string `json:"timezone,omitempty"`
}
