package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric はレジストリから指定名・指定ラベルのメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	return nil
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string)
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordMailCounters_IncrementByTemplate はメール送信系カウンタがテンプレート別に増加することを検証する。
func TestRecordMailCounters_IncrementByTemplate(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMailSent("verification")
	c.RecordMailSent("verification")
	c.RecordMailRetry("unlock")
	c.RecordMailFailed("password_reset")

	tests := []struct {
		name     string
		template string
		want     float64
	}{
		{"jearch_mail_sent_total", "verification", 2},
		{"jearch_mail_retry_total", "unlock", 1},
		{"jearch_mail_failed_total", "password_reset", 1},
	}
	for _, tt := range tests {
		m := findMetric(t, reg, tt.name, map[string]string{"template": tt.template})
		if m == nil {
			t.Errorf("%s{template=%q} not found", tt.name, tt.template)
			continue
		}
		if got := m.GetCounter().GetValue(); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// TestRecordMailSendLatency_ObservesHistogram は送信レイテンシがヒストグラムに記録されることを検証する。
func TestRecordMailSendLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMailSendLatency(250 * time.Millisecond)
	c.RecordMailSendLatency(2 * time.Second)

	m := findMetric(t, reg, "jearch_mail_send_latency_seconds", nil)
	if m == nil {
		t.Fatal("jearch_mail_send_latency_seconds not found")
	}
	h := m.GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample count = %d, want 2", h.GetSampleCount())
	}
	if h.GetSampleSum() != 2.25 {
		t.Errorf("sample sum = %v, want 2.25", h.GetSampleSum())
	}
}

// TestRecordLoginAttempt_LabelsResult はログイン試行が結果ラベル付きで記録されることを検証する。
func TestRecordLoginAttempt_LabelsResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLoginAttempt(true)
	c.RecordLoginAttempt(false)
	c.RecordLoginAttempt(false)
	c.RecordLoginLocked()

	if m := findMetric(t, reg, "jearch_login_attempts_total", map[string]string{"result": "success"}); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("success attempts = %v, want 1", m)
	}
	if m := findMetric(t, reg, "jearch_login_attempts_total", map[string]string{"result": "failure"}); m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("failure attempts = %v, want 2", m)
	}
	if m := findMetric(t, reg, "jearch_login_locked_total", nil); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("locked = %v, want 1", m)
	}
}

// TestRecordRecordConflict_LabelsKind は更新競合がレコード種別ごとに記録されることを検証する。
func TestRecordRecordConflict_LabelsKind(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRecordConflict("education")
	c.RecordRecordConflict("education")
	c.RecordRecordConflict("professional_experience")

	if m := findMetric(t, reg, "jearch_record_conflicts_total", map[string]string{"kind": "education"}); m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("education conflicts = %v, want 2", m)
	}
	if m := findMetric(t, reg, "jearch_record_conflicts_total", map[string]string{"kind": "professional_experience"}); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("professional_experience conflicts = %v, want 1", m)
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat はハンドラーがテキスト形式でメトリクスを返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordMailSent("verification")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `jearch_mail_sent_total{template="verification"} 1`) {
		t.Errorf("unexpected body:\n%s", body)
	}
}

// TestMultipleCollectors_IndependentRegistries は別レジストリのCollectorが干渉しないことを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	_ = NewCollector(reg2)

	c1.RecordLoginLocked()

	if m := findMetric(t, reg2, "jearch_login_locked_total", nil); m == nil || m.GetCounter().GetValue() != 0 {
		t.Errorf("reg2 locked = %v, want 0", m)
	}
}

// TestNop_DoesNothing はNopが呼び出しに対して何もしないことを検証する。
func TestNop_DoesNothing(t *testing.T) {
	var c MetricsCollector = Nop{}
	c.RecordMailSent("verification")
	c.RecordMailRetry("verification")
	c.RecordMailFailed("verification")
	c.RecordMailSendLatency(time.Second)
	c.RecordLoginAttempt(false)
	c.RecordLoginLocked()
	c.RecordRecordConflict("education")
}
