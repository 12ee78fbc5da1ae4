package workflow

// ActionType is the notification channel of an action.
type ActionType string

const (
	ActionEmail       ActionType = "email"
	ActionSlack       ActionType = "slack"
	ActionDiscord     ActionType = "discord"
	ActionMSTeams     ActionType = "msteams"
	ActionPagerDuty   ActionType = "pagerduty"
	ActionOpsgenie    ActionType = "opsgenie"
	ActionWebhook     ActionType = "webhook"
	ActionPlugin      ActionType = "plugin"
	ActionSentryApp   ActionType = "sentry_app"
	ActionJira        ActionType = "jira"
	ActionJiraServer  ActionType = "jira_server"
	ActionGitHub      ActionType = "github"
	ActionAzureDevOps ActionType = "vsts"
)

// Target types of an action config.
const (
	TargetSpecific    = "specific"
	TargetUser        = "user"
	TargetTeam        = "team"
	TargetIssueOwners = "issue_owners"
	TargetSentryApp   = "sentry_app"
)

// ActionConfig says who an action notifies.
type ActionConfig struct {
	TargetType       string `json:"target_type,omitempty" validate:"omitempty,oneof=specific user team issue_owners sentry_app"`
	TargetIdentifier string `json:"target_identifier,omitempty"`
	TargetDisplay    string `json:"target_display,omitempty"`
}

// Action is a notification attached to an "if" condition group.
type Action struct {
	ID               int64          `json:"id"`
	Type             ActionType     `json:"type" validate:"required,oneof=email slack discord msteams pagerduty opsgenie webhook plugin sentry_app jira jira_server github vsts"`
	Data             map[string]any `json:"data"`
	IntegrationID    *int64         `json:"integration_id,omitempty"`
	Config           ActionConfig   `json:"config"`
	ConditionGroupID int64          `json:"-"`
}
