package mqttctrl

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/procwise/pidloop/internal/pid"
	"github.com/procwise/pidloop/internal/testutil"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeToken struct {
	err  error
	done chan struct{}
}

func (t fakeToken) Done() <-chan struct{} {
	if t.done == nil {
		t.done = make(chan struct{})
		close(t.done)
	}
	return t.done
}

func (t fakeToken) Wait() bool                       { return true }
func (t fakeToken) WaitTimeout(_ time.Duration) bool { return true }
func (t fakeToken) Error() error                     { return t.err }

type publishCall struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

type fakeClient struct {
	publishes []publishCall
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() mqtt.Token    { return fakeToken{} }
func (c *fakeClient) Disconnect(_ uint)      {}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var b []byte
	switch v := payload.(type) {
	case []byte:
		b = append([]byte(nil), v...)
	case string:
		b = []byte(v)
	default:
		// shouldn't happen in our controller, but keep it safe
		tmp, _ := json.Marshal(v)
		b = tmp
	}
	c.publishes = append(c.publishes, publishCall{
		topic: topic, qos: qos, retain: retained, payload: b,
	})
	return fakeToken{}
}
func (c *fakeClient) Subscribe(_ string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) SubscribeMultiple(_ map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) Unsubscribe(_ ...string) mqtt.Token       { return fakeToken{} }
func (c *fakeClient) AddRoute(_ string, _ mqtt.MessageHandler) {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader  { return mqtt.ClientOptionsReader{} }

// ---- tests ----

func newDefaultSvc() *testutil.FakeLoopService {
	return testutil.NewFakeLoopService()
}

func TestNewDefaults(t *testing.T) {
	svc := newDefaultSvc()
	c, err := New(svc, Config{DeviceID: "loop7"})
	if err != nil {
		t.Fatal(err)
	}

	if c.cfg.BrokerURL != "tcp://localhost:1883" {
		t.Fatalf("expected default BrokerURL, got %q", c.cfg.BrokerURL)
	}
	if c.cfg.BaseTopic != "pidloop/loop7" {
		t.Fatalf("expected default BaseTopic, got %q", c.cfg.BaseTopic)
	}
	if c.cfg.ClientID != "pidloop-loop7" {
		t.Fatalf("expected default ClientID, got %q", c.cfg.ClientID)
	}
	if c.cfg.PublishInterval != 1*time.Second {
		t.Fatalf("expected default PublishInterval, got %v", c.cfg.PublishInterval)
	}
}

func TestNewValidation(t *testing.T) {
	svc := newDefaultSvc()

	if _, err := New(svc, Config{}); err == nil {
		t.Fatal("expected error when DeviceID missing")
	}

	if _, err := New(svc, Config{DeviceID: "x", QoS: 2}); err == nil {
		t.Fatal("expected error when QoS > 1")
	}
}

func TestTopicJoin(t *testing.T) {
	svc := newDefaultSvc()
	c, err := New(svc, Config{DeviceID: "loop7", BaseTopic: "pidloop/loop7/"})
	if err != nil {
		t.Fatal(err)
	}
	if got := c.topic("snapshot"); got != "pidloop/loop7/snapshot" {
		t.Fatalf("expected topic without double slashes, got %q", got)
	}
}

func TestDecodeValueStrict(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		v, err := decodeValueStrict[float64]([]byte(`{"value": 12.5}`))
		if err != nil {
			t.Fatal(err)
		}
		if v != 12.5 {
			t.Fatalf("expected 12.5, got %v", v)
		}
	})

	t.Run("missing value", func(t *testing.T) {
		_, err := decodeValueStrict[bool]([]byte(`{}`))
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		_, err := decodeValueStrict[float64]([]byte(`{"value":1,"extra":1}`))
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := decodeValueStrict[float64]([]byte(`{"value":`))
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestOnMessage_IgnoresWrongPrefix(t *testing.T) {
	svc := newDefaultSvc()
	c, err := New(svc, Config{DeviceID: "loop7"})
	if err != nil {
		t.Fatal(err)
	}

	c.onMessage(nil, fakeMessage{
		topic:   "otherprefix/set/setpoint",
		payload: []byte(`{"value":10}`),
	})

	if svc.SetSetpointCalled {
		t.Fatal("expected SetSetpoint not called")
	}
}

func TestOnMessage_Setpoint(t *testing.T) {
	svc := newDefaultSvc()
	c, _ := New(svc, Config{DeviceID: "loop7"})
	fc := &fakeClient{}
	c.client = fc

	c.onMessage(nil, fakeMessage{
		topic:   "pidloop/loop7/set/setpoint",
		payload: []byte(`{"value":23.5}`),
	})

	if !svc.SetSetpointCalled || svc.SetSetpointArg != 23.5 {
		t.Fatalf("expected SetSetpoint(23.5), got called=%v arg=%v", svc.SetSetpointCalled, svc.SetSetpointArg)
	}
}

func TestOnMessage_ProcessValue(t *testing.T) {
	svc := newDefaultSvc()
	c, _ := New(svc, Config{DeviceID: "loop7"})
	fc := &fakeClient{}
	c.client = fc

	c.onMessage(nil, fakeMessage{
		topic:   "pidloop/loop7/set/process_value",
		payload: []byte(`{"value":19.25}`),
	})

	if !svc.SetProcessValueCalled || svc.SetProcessValueArg != 19.25 {
		t.Fatalf("expected SetProcessValue(19.25), got called=%v arg=%v",
			svc.SetProcessValueCalled, svc.SetProcessValueArg)
	}
}

func TestOnMessage_Manual(t *testing.T) {
	svc := newDefaultSvc()
	c, _ := New(svc, Config{DeviceID: "loop7"})
	fc := &fakeClient{}
	c.client = fc

	c.onMessage(nil, fakeMessage{
		topic:   "pidloop/loop7/set/manual",
		payload: []byte(`{"value":false}`),
	})

	if !svc.SetManualCalled || svc.SetManualArg != false {
		t.Fatalf("expected SetManual(false), got called=%v arg=%v", svc.SetManualCalled, svc.SetManualArg)
	}
}

func TestOnMessage_Gains(t *testing.T) {
	svc := newDefaultSvc()
	c, _ := New(svc, Config{DeviceID: "loop7"})
	fc := &fakeClient{}
	c.client = fc

	c.onMessage(nil, fakeMessage{
		topic:   "pidloop/loop7/set/gains",
		payload: []byte(`{"value":{"kp":2,"ki":1,"kd":0.5}}`),
	})

	if !svc.SetGainsCalled || svc.SetGainsArg != (pid.Gains{Kp: 2, Ki: 1, Kd: 0.5}) {
		t.Fatalf("expected SetGains({2 1 0.5}), got called=%v arg=%+v", svc.SetGainsCalled, svc.SetGainsArg)
	}
}

func TestOnMessage_GainsMalformed_DoesNotCallService(t *testing.T) {
	svc := newDefaultSvc()
	c, _ := New(svc, Config{DeviceID: "loop7"})
	fc := &fakeClient{}
	c.client = fc

	c.onMessage(nil, fakeMessage{
		topic:   "pidloop/loop7/set/gains",
		payload: []byte(`{"value":{"kp":2,"bogus":1}}`),
	})

	if svc.SetGainsCalled {
		t.Fatal("expected SetGains not called")
	}
}

func TestOnMessage_Deadband(t *testing.T) {
	svc := newDefaultSvc()
	c, _ := New(svc, Config{DeviceID: "loop7"})
	fc := &fakeClient{}
	c.client = fc

	c.onMessage(nil, fakeMessage{
		topic:   "pidloop/loop7/set/deadband",
		payload: []byte(`{"value":{"deadband":0.5,"enabled":true}}`),
	})

	if !svc.SetDeadbandCalled || svc.SetDeadbandArg != 0.5 || !svc.SetDeadbandOnArg {
		t.Fatalf("expected SetDeadband(0.5, true), got called=%v db=%v on=%v",
			svc.SetDeadbandCalled, svc.SetDeadbandArg, svc.SetDeadbandOnArg)
	}
}

func TestOnMessage_OutputLimits(t *testing.T) {
	svc := newDefaultSvc()
	c, _ := New(svc, Config{DeviceID: "loop7"})
	fc := &fakeClient{}
	c.client = fc

	c.onMessage(nil, fakeMessage{
		topic:   "pidloop/loop7/set/output_limits",
		payload: []byte(`{"value":{"low":0,"high":100}}`),
	})

	if !svc.SetOutputLimitsCalled || svc.SetOutputLimitsArg != (pid.Limits{Low: 0, High: 100}) {
		t.Fatalf("expected SetOutputLimits(0, 100), got called=%v arg=%+v",
			svc.SetOutputLimitsCalled, svc.SetOutputLimitsArg)
	}
}

func TestOnMessage_MinInterval(t *testing.T) {
	svc := newDefaultSvc()
	c, _ := New(svc, Config{DeviceID: "loop7"})
	fc := &fakeClient{}
	c.client = fc

	c.onMessage(nil, fakeMessage{
		topic:   "pidloop/loop7/set/min_interval",
		payload: []byte(`{"value":250}`),
	})

	if !svc.SetMinIntervalCalled || svc.SetMinIntervalArg != 250 {
		t.Fatalf("expected SetMinInterval(250), got called=%v arg=%v",
			svc.SetMinIntervalCalled, svc.SetMinIntervalArg)
	}
}

func TestPublishSnapshot_PublishesJSON(t *testing.T) {
	svc := newDefaultSvc()
	c, _ := New(svc, Config{DeviceID: "loop7", QoS: 1, RetainSnapshot: true})

	fc := &fakeClient{}
	c.client = fc

	c.publishSnapshot()

	if len(fc.publishes) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(fc.publishes))
	}

	p := fc.publishes[0]
	if p.topic != "pidloop/loop7/snapshot" {
		t.Fatalf("expected snapshot topic, got %q", p.topic)
	}
	if p.qos != 1 || p.retain != true {
		t.Fatalf("expected qos=1 retain=true, got qos=%d retain=%v", p.qos, p.retain)
	}

	var got map[string]any
	if err := json.Unmarshal(p.payload, &got); err != nil {
		t.Fatalf("invalid published json: %v payload=%s", err, string(p.payload))
	}
	if got["setpoint"] != svc.S.Setpoint {
		t.Fatalf("expected setpoint=%v, got %v", svc.S.Setpoint, got["setpoint"])
	}
	if got["manual"] != true {
		t.Fatalf("expected manual=true, got %v", got["manual"])
	}
}

// Shows we ignore service errors (controller swallows them).
func TestOnMessage_ServiceError_IsIgnored(t *testing.T) {
	svc := newDefaultSvc()
	svc.SetSetpointErr = errors.New("boom")
	c, _ := New(svc, Config{DeviceID: "loop7"})
	fc := &fakeClient{}
	c.client = fc
	c.onMessage(nil, fakeMessage{
		topic:   "pidloop/loop7/set/setpoint",
		payload: []byte(`{"value":25}`),
	})

	if !svc.SetSetpointCalled {
		t.Fatal("expected SetSetpoint called")
	}
}
