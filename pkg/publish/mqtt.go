// Package publish pushes site snapshots to an MQTT broker and accepts
// charger commands from it.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/evsync/pkg/log"
	"github.com/raterudder/evsync/pkg/types"
)

// publishTimeout bounds how long a single publish may wait for the broker.
const publishTimeout = 5 * time.Second

// CommandIssuer executes a charger command for a site.
type CommandIssuer interface {
	Issue(ctx context.Context, siteID, serial string, cmd types.Command) types.CommandResult
}

// Publisher publishes snapshots. A Publisher without a broker does nothing.
type Publisher struct {
	client mqtt.Client
	prefix string

	mu   sync.Mutex
	subs []subscription
}

type subscription struct {
	topic   string
	handler mqtt.MessageHandler
}

// Configured sets up the Publisher from flags. Publishing is disabled when
// no broker is set.
func Configured() *Publisher {
	broker := lflag.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (empty disables publishing)")
	clientID := lflag.String("mqtt-client-id", "evsync", "MQTT client id")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	prefix := lflag.String("mqtt-topic-prefix", "evsync", "Prefix of every published topic")

	p := &Publisher{}
	lflag.Do(func() {
		p.prefix = strings.TrimSuffix(*prefix, "/")
		if *broker == "" {
			return
		}
		opts := mqtt.NewClientOptions()
		opts.AddBroker(*broker)
		opts.SetClientID(*clientID)
		if *username != "" {
			opts.SetUsername(*username)
		}
		if *password != "" {
			opts.SetPassword(*password)
		}
		opts.SetAutoReconnect(true)
		opts.SetConnectRetry(true)
		opts.SetConnectRetryInterval(5 * time.Second)
		opts.SetMaxReconnectInterval(time.Minute)
		// a clean session drops subscriptions on every reconnect
		opts.SetOnConnectHandler(func(c mqtt.Client) {
			slog.Info("mqtt connected", slog.String("broker", *broker))
			p.resubscribe(c)
		})
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("mqtt connection lost", slog.Any("error", err))
		})

		p.client = mqtt.NewClient(opts)
		// with connect retry the token only completes once connected
		if t := p.client.Connect(); t.WaitTimeout(publishTimeout) && t.Error() != nil {
			panic(fmt.Sprintf("failed to connect to mqtt broker: %v", t.Error()))
		}
	})
	return p
}

// New returns a Publisher using an existing client.
func New(client mqtt.Client, prefix string) *Publisher {
	return &Publisher{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

// Enabled returns true if a broker is configured.
func (p *Publisher) Enabled() bool {
	return p != nil && p.client != nil
}

func (p *Publisher) siteTopic(siteID string) string {
	return fmt.Sprintf("%s/sites/%s", p.prefix, siteID)
}

func (p *Publisher) chargerTopic(siteID, serial string) string {
	return fmt.Sprintf("%s/chargers/%s", p.siteTopic(siteID), serial)
}

type chargerDocument struct {
	types.ChargerState
	Session    *types.SessionRecord    `json:"session,omitempty"`
	Attributes []types.AttributeStatus `json:"attributes,omitempty"`
	UpdatedAt  time.Time               `json:"updatedAt"`
}

type siteDocument struct {
	SiteID          string                          `json:"siteID"`
	UpdatedAt       time.Time                       `json:"updatedAt"`
	Pass            uint64                          `json:"pass"`
	Chargers        []string                        `json:"chargers"`
	Cadence         string                          `json:"cadence,omitempty"`
	LiveStreamUntil *time.Time                      `json:"liveStreamUntil,omitempty"`
	ReauthRequired  bool                            `json:"reauthRequired"`
	Battery         *types.BatteryStatus            `json:"battery,omitempty"`
	SiteEnergy      map[string]types.SiteEnergyFlow `json:"siteEnergy,omitempty"`
	Health          []types.SourceHealth            `json:"health,omitempty"`
}

// PublishSnapshot publishes one retained document per charger and one for
// the site.
func (p *Publisher) PublishSnapshot(ctx context.Context, snap types.SiteSnapshot) error {
	if !p.Enabled() {
		return nil
	}

	serials := make([]string, 0, len(snap.Chargers))
	for serial := range snap.Chargers {
		serials = append(serials, serial)
	}
	sort.Strings(serials)
	for _, serial := range serials {
		c := snap.Chargers[serial]
		doc := chargerDocument{ChargerState: c, UpdatedAt: snap.UpdatedAt}
		if sess, ok := snap.OpenSession(serial); ok {
			doc.Session = &sess
		}
		for _, as := range snap.Attributes {
			if as.Serial == serial {
				doc.Attributes = append(doc.Attributes, as)
			}
		}
		if err := p.publishJSON(ctx, p.chargerTopic(snap.SiteID, serial)+"/state", true, doc); err != nil {
			return err
		}
	}

	doc := siteDocument{
		SiteID:          snap.SiteID,
		UpdatedAt:       snap.UpdatedAt,
		Pass:            snap.Pass,
		Chargers:        serials,
		Cadence:         snap.Cadence,
		LiveStreamUntil: snap.LiveStreamUntil,
		ReauthRequired:  snap.ReauthRequired,
		Battery:         snap.Battery,
		SiteEnergy:      snap.SiteEnergy,
		Health:          snap.Health,
	}
	return p.publishJSON(ctx, p.siteTopic(snap.SiteID)+"/state", true, doc)
}

// RemoveCharger clears the retained document of a removed charger.
func (p *Publisher) RemoveCharger(ctx context.Context, siteID, serial string) error {
	if !p.Enabled() {
		return nil
	}
	return p.publishRaw(ctx, p.chargerTopic(siteID, serial)+"/state", true, []byte{})
}

func (p *Publisher) publishJSON(ctx context.Context, topic string, retain bool, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", topic, err)
	}
	return p.publishRaw(ctx, topic, retain, b)
}

func (p *Publisher) publishRaw(ctx context.Context, topic string, retain bool, payload []byte) error {
	t := p.client.Publish(topic, 0, retain, payload)
	if !t.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out publishing %s", topic)
	}
	if err := t.Error(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to publish mqtt message", slog.String("topic", topic), slog.Any("error", err))
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	log.Ctx(ctx).DebugContext(ctx, "published mqtt message", slog.String("topic", topic), slog.Int("size", len(payload)))
	return nil
}

// commandMessage is the payload of a command topic. ResponseTopic defaults to
// the command topic with a /result suffix.
type commandMessage struct {
	types.Command
	ResponseTopic string `json:"responseTopic,omitempty"`
}

type commandResponse struct {
	Outcome types.Outcome `json:"outcome"`
	HoldID  string        `json:"holdID,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// SubscribeCommands subscribes to {prefix}/sites/+/chargers/+/command.
func (p *Publisher) SubscribeCommands(ctx context.Context, issuer CommandIssuer) error {
	if !p.Enabled() {
		return nil
	}
	topic := p.prefix + "/sites/+/chargers/+/command"
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		p.handleCommand(ctx, issuer, msg.Topic(), msg.Payload())
	}
	p.mu.Lock()
	p.subs = append(p.subs, subscription{topic: topic, handler: handler})
	p.mu.Unlock()

	t := p.client.Subscribe(topic, 1, handler)
	if !t.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out subscribing to %s", topic)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	log.Ctx(ctx).InfoContext(ctx, "subscribed to mqtt commands", slog.String("topic", topic))
	return nil
}

// resubscribe restores every subscription after a (re)connect.
func (p *Publisher) resubscribe(c mqtt.Client) {
	p.mu.Lock()
	subs := append([]subscription(nil), p.subs...)
	p.mu.Unlock()
	for _, sub := range subs {
		t := c.Subscribe(sub.topic, 1, sub.handler)
		if !t.WaitTimeout(publishTimeout) {
			slog.Warn("timed out resubscribing", slog.String("topic", sub.topic))
			continue
		}
		if err := t.Error(); err != nil {
			slog.Warn("failed to resubscribe", slog.String("topic", sub.topic), slog.Any("error", err))
		}
	}
}

func (p *Publisher) handleCommand(ctx context.Context, issuer CommandIssuer, topic string, payload []byte) {
	rest, ok := strings.CutPrefix(topic, p.prefix+"/sites/")
	if !ok {
		return
	}
	// {site}/chargers/{serial}/command
	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[1] != "chargers" || parts[3] != "command" {
		log.Ctx(ctx).WarnContext(ctx, "invalid mqtt command topic", slog.String("topic", topic))
		return
	}
	siteID, serial := parts[0], parts[2]

	var msg commandMessage
	trimmed := strings.TrimSpace(string(payload))
	if err := json.Unmarshal(payload, &msg); err != nil {
		// bare "start"/"stop" payloads
		msg = commandMessage{Command: types.Command{Kind: types.CommandKind(trimmed)}}
	}
	if msg.ResponseTopic == "" {
		msg.ResponseTopic = topic + "/result"
	}

	res := issuer.Issue(ctx, siteID, serial, msg.Command)
	resp := commandResponse{Outcome: res.Outcome, HoldID: res.HoldID, Reason: res.Reason}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	if err := p.publishJSON(ctx, msg.ResponseTopic, false, resp); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to publish command result", slog.Any("error", err))
	}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.Enabled() && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
