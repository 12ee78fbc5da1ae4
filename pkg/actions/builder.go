// Package actions converts legacy rule action specs into workflow actions.
package actions

import (
	"fmt"
	"log"
	"strconv"

	"github.com/primaryrutabaga/rule-migrator/pkg/schemas"
	"github.com/primaryrutabaga/rule-migrator/pkg/workflow"
)

// Legacy action discriminators.
const (
	EmailActionID       = "sentry.mail.actions.NotifyEmailAction"
	SlackActionID       = "sentry.integrations.slack.notify_action.SlackNotifyServiceAction"
	DiscordActionID     = "sentry.integrations.discord.notify_action.DiscordNotifyServiceAction"
	MSTeamsActionID     = "sentry.integrations.msteams.notify_action.MsTeamsNotifyServiceAction"
	PagerDutyActionID   = "sentry.integrations.pagerduty.notify_action.PagerDutyNotifyServiceAction"
	OpsgenieActionID    = "sentry.integrations.opsgenie.notify_action.OpsgenieNotifyTeamAction"
	PluginActionID      = "sentry.rules.actions.notify_event.NotifyEventAction"
	ServiceActionID     = "sentry.rules.actions.notify_event_service.NotifyEventServiceAction"
	SentryAppActionID   = "sentry.rules.actions.notify_event_sentry_app.NotifyEventSentryAppAction"
	JiraActionID        = "sentry.integrations.jira.notify_action.JiraCreateTicketAction"
	JiraServerActionID  = "sentry.integrations.jira_server.notify_action.JiraServerCreateTicketAction"
	GitHubActionID      = "sentry.integrations.github.notify_action.GitHubCreateTicketAction"
	AzureDevOpsActionID = "sentry.integrations.vsts.notify_action.AzureDevopsCreateTicketAction"
)

// BuildFunc converts one legacy action spec.
type BuildFunc func(spec schemas.Spec) (*workflow.Action, error)

// Builder holds the per-id conversions.
type Builder struct {
	builders map[string]BuildFunc
	logger   *log.Logger
}

// NewBuilder returns a builder with every built-in conversion registered.
func NewBuilder(logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.Default()
	}
	b := &Builder{builders: make(map[string]BuildFunc), logger: logger}
	b.Register(EmailActionID, buildEmail)
	b.Register(SlackActionID, chatBuilder(workflow.ActionSlack, "workspace", "channel_id", "channel"))
	b.Register(DiscordActionID, chatBuilder(workflow.ActionDiscord, "server", "channel_id", ""))
	b.Register(MSTeamsActionID, chatBuilder(workflow.ActionMSTeams, "team", "channel_id", "channel"))
	b.Register(PagerDutyActionID, onCallBuilder(workflow.ActionPagerDuty, "service", "severity"))
	b.Register(OpsgenieActionID, onCallBuilder(workflow.ActionOpsgenie, "team", "priority"))
	b.Register(PluginActionID, buildPlugin)
	b.Register(ServiceActionID, buildService)
	b.Register(SentryAppActionID, buildSentryApp)
	b.Register(JiraActionID, ticketBuilder(workflow.ActionJira))
	b.Register(JiraServerActionID, ticketBuilder(workflow.ActionJiraServer))
	b.Register(GitHubActionID, ticketBuilder(workflow.ActionGitHub))
	b.Register(AzureDevOpsActionID, ticketBuilder(workflow.ActionAzureDevOps))
	return b
}

// Register adds or replaces the conversion for id.
func (b *Builder) Register(id string, fn BuildFunc) {
	b.builders[id] = fn
}

// Build converts specs in order. Specs with an unsupported id, or that fail
// to convert or validate, are logged and skipped.
func (b *Builder) Build(ruleID int64, specs []schemas.Spec) []*workflow.Action {
	out := make([]*workflow.Action, 0, len(specs))
	for i, spec := range specs {
		a, err := b.BuildOne(spec)
		if err != nil {
			b.logger.Printf("actions: rule=%d action=%d id=%q skipped: %v", ruleID, i, spec.ID(), err)
			continue
		}
		out = append(out, a)
	}
	return out
}

// BuildOne converts and validates a single spec.
func (b *Builder) BuildOne(spec schemas.Spec) (*workflow.Action, error) {
	fn, ok := b.builders[spec.ID()]
	if !ok {
		return nil, fmt.Errorf("unsupported action")
	}
	a, err := fn(spec)
	if err != nil {
		return nil, err
	}
	if a.Data == nil {
		a.Data = map[string]any{}
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// str reads a parameter that may have been stored as a number.
func str(spec schemas.Spec, key string) string {
	switch v := spec[key].(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func integrationID(spec schemas.Spec, key string) (*int64, error) {
	s := str(spec, key)
	if s == "" {
		return nil, fmt.Errorf("missing %s", key)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &id, nil
}

func buildEmail(spec schemas.Spec) (*workflow.Action, error) {
	a := &workflow.Action{Type: workflow.ActionEmail, Data: map[string]any{}}
	switch t := str(spec, "targetType"); t {
	case "IssueOwners":
		a.Config.TargetType = workflow.TargetIssueOwners
		if ft := str(spec, "fallthroughType"); ft != "" {
			a.Data["fallthrough_type"] = ft
		}
	case "Team":
		a.Config.TargetType = workflow.TargetTeam
	case "Member":
		a.Config.TargetType = workflow.TargetUser
	default:
		return nil, fmt.Errorf("unknown email targetType %q", t)
	}
	if a.Config.TargetType != workflow.TargetIssueOwners {
		a.Config.TargetIdentifier = str(spec, "targetIdentifier")
		if a.Config.TargetIdentifier == "" {
			return nil, fmt.Errorf("missing targetIdentifier")
		}
	}
	return a, nil
}

// chatBuilder covers the channel-posting integrations.
func chatBuilder(typ workflow.ActionType, integrationKey, channelKey, displayKey string) BuildFunc {
	return func(spec schemas.Spec) (*workflow.Action, error) {
		iid, err := integrationID(spec, integrationKey)
		if err != nil {
			return nil, err
		}
		channel := str(spec, channelKey)
		if channel == "" {
			return nil, fmt.Errorf("missing %s", channelKey)
		}
		a := &workflow.Action{
			Type:          typ,
			IntegrationID: iid,
			Config:        workflow.ActionConfig{TargetType: workflow.TargetSpecific, TargetIdentifier: channel},
			Data:          map[string]any{},
		}
		if displayKey != "" {
			a.Config.TargetDisplay = str(spec, displayKey)
		}
		for _, k := range []string{"tags", "notes"} {
			if v := str(spec, k); v != "" {
				a.Data[k] = v
			}
		}
		return a, nil
	}
}

// onCallBuilder covers the paging integrations.
func onCallBuilder(typ workflow.ActionType, targetKey, priorityKey string) BuildFunc {
	return func(spec schemas.Spec) (*workflow.Action, error) {
		iid, err := integrationID(spec, "account")
		if err != nil {
			return nil, err
		}
		target := str(spec, targetKey)
		if target == "" {
			return nil, fmt.Errorf("missing %s", targetKey)
		}
		a := &workflow.Action{
			Type:          typ,
			IntegrationID: iid,
			Config:        workflow.ActionConfig{TargetType: workflow.TargetSpecific, TargetIdentifier: target},
			Data:          map[string]any{},
		}
		if p := str(spec, priorityKey); p != "" {
			a.Data["priority"] = p
		}
		return a, nil
	}
}

func buildPlugin(schemas.Spec) (*workflow.Action, error) {
	return &workflow.Action{Type: workflow.ActionPlugin}, nil
}

func buildService(spec schemas.Spec) (*workflow.Action, error) {
	service := str(spec, "service")
	if service == "" {
		return nil, fmt.Errorf("missing service")
	}
	return &workflow.Action{
		Type:   workflow.ActionWebhook,
		Config: workflow.ActionConfig{TargetIdentifier: service},
	}, nil
}

func buildSentryApp(spec schemas.Spec) (*workflow.Action, error) {
	installation := str(spec, "sentryAppInstallationUuid")
	if installation == "" {
		return nil, fmt.Errorf("missing sentryAppInstallationUuid")
	}
	a := &workflow.Action{
		Type:   workflow.ActionSentryApp,
		Config: workflow.ActionConfig{TargetType: workflow.TargetSentryApp, TargetIdentifier: installation},
		Data:   map[string]any{},
	}
	if settings, ok := spec["settings"]; ok {
		a.Data["settings"] = settings
	}
	return a, nil
}

// ticketBuilder keeps every dynamic form field except the bookkeeping keys.
func ticketBuilder(typ workflow.ActionType) BuildFunc {
	return func(spec schemas.Spec) (*workflow.Action, error) {
		iid, err := integrationID(spec, "integration")
		if err != nil {
			return nil, err
		}
		data := make(map[string]any, len(spec))
		for k, v := range spec {
			switch k {
			case "id", "uuid", "integration", "name":
				continue
			}
			data[k] = v
		}
		return &workflow.Action{
			Type:          typ,
			IntegrationID: iid,
			Config:        workflow.ActionConfig{TargetType: workflow.TargetSpecific},
			Data:          data,
		}, nil
	}
}
