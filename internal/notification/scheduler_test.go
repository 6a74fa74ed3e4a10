package notification

import (
	"testing"
	"time"

	"github.com/hitoshi/chatcore/internal/model"
)

func normalJob() model.NotificationJob {
	return model.NotificationJob{
		Title:    "新着メッセージ",
		Body:     "hello",
		Priority: model.PriorityNormal,
	}
}

func highJob() model.NotificationJob {
	j := normalJob()
	j.Priority = model.PriorityHigh
	return j
}

// at は任意の時分秒のローカル時刻を生成する。
func at(hour, min, sec int) time.Time {
	return time.Date(2025, 6, 15, hour, min, sec, 0, time.Local)
}

// 夜間ウィンドウの通知が翌日09:00に遅延されることを検証（シナリオA）
func TestDecide_NightWindow_DefersToNextMorning(t *testing.T) {
	now := at(23, 30, 0)

	d := Decide(normalJob(), now, 0.8, true)

	if d.Kind != DeliveryDeferred {
		t.Fatalf("kind = %q, want deferred", d.Kind)
	}
	want := time.Date(2025, 6, 16, 9, 0, 0, 0, time.Local)
	if !d.At.Equal(want) {
		t.Errorf("deferred at = %v, want %v", d.At, want)
	}
}

// 早朝の夜間ウィンドウは同日09:00に遅延されることを検証
func TestDecide_EarlyMorning_DefersToSameMorning(t *testing.T) {
	now := at(2, 0, 0)

	d := Decide(normalJob(), now, 0.8, true)

	if d.Kind != DeliveryDeferred {
		t.Fatalf("kind = %q, want deferred", d.Kind)
	}
	want := time.Date(2025, 6, 15, 9, 0, 0, 0, time.Local)
	if !d.At.Equal(want) {
		t.Errorf("deferred at = %v, want %v", d.At, want)
	}
}

// 低バッテリー時に30分の遅延バッチングが行われることを検証（シナリオB）
func TestDecide_LowBattery_Defers30Minutes(t *testing.T) {
	now := at(14, 0, 0)

	d := Decide(normalJob(), now, 0.1, true)

	if d.Kind != DeliveryDeferred {
		t.Fatalf("kind = %q, want deferred", d.Kind)
	}
	if want := now.Add(30 * time.Minute); !d.At.Equal(want) {
		t.Errorf("deferred at = %v, want %v", d.At, want)
	}
}

// 高優先度が無効設定を貫通して即時配信されることを検証（シナリオC）
func TestDecide_HighPriority_BypassesDisabledPreference(t *testing.T) {
	d := Decide(highJob(), at(14, 0, 0), 0.8, false)

	if d.Kind != DeliveryImmediate {
		t.Errorf("kind = %q, want immediate", d.Kind)
	}
}

// 高優先度が夜間ウィンドウと低バッテリーも貫通することを検証
func TestDecide_HighPriority_BypassesNightAndBattery(t *testing.T) {
	d := Decide(highJob(), at(23, 30, 0), 0.05, true)

	if d.Kind != DeliveryImmediate {
		t.Errorf("kind = %q, want immediate", d.Kind)
	}
}

// スマート通知無効時に通常優先度が抑制されることを検証
func TestDecide_Disabled_SuppressesNormalPriority(t *testing.T) {
	d := Decide(normalJob(), at(14, 0, 0), 0.8, false)

	if d.Kind != DeliverySuppressed {
		t.Errorf("kind = %q, want suppressed", d.Kind)
	}
}

// 昼間・十分なバッテリーでは即時配信されることを検証
func TestDecide_Daytime_Immediate(t *testing.T) {
	d := Decide(normalJob(), at(14, 0, 0), 0.8, true)

	if d.Kind != DeliveryImmediate {
		t.Errorf("kind = %q, want immediate", d.Kind)
	}
}

// 夜間ウィンドウと低バッテリーの境界値を検証
func TestDecide_Boundaries(t *testing.T) {
	tests := []struct {
		name     string
		now      time.Time
		battery  float64
		wantKind DeliveryKind
	}{
		{"21:59は夜間外", at(21, 59, 59), 0.8, DeliveryImmediate},
		{"22:00は夜間", at(22, 0, 0), 0.8, DeliveryDeferred},
		{"05:59は夜間", at(5, 59, 59), 0.8, DeliveryDeferred},
		{"06:00は夜間外", at(6, 0, 0), 0.8, DeliveryImmediate},
		{"バッテリー0.20ちょうどは遅延しない", at(14, 0, 0), 0.20, DeliveryImmediate},
		{"バッテリー0.19は遅延", at(14, 0, 0), 0.19, DeliveryDeferred},
		{"夜間が低バッテリーより優先", at(23, 0, 0), 0.1, DeliveryDeferred},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(normalJob(), tt.now, tt.battery, true)
			if d.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", d.Kind, tt.wantKind)
			}
		})
	}
}

// 夜間が低バッテリーより優先される場合の遅延先が翌朝09:00であることを検証
func TestDecide_NightTakesPrecedenceOverBattery(t *testing.T) {
	now := at(23, 0, 0)

	d := Decide(normalJob(), now, 0.1, true)

	want := time.Date(2025, 6, 16, 9, 0, 0, 0, time.Local)
	if d.Kind != DeliveryDeferred || !d.At.Equal(want) {
		t.Errorf("got %+v, want deferred at %v", d, want)
	}
}

// 算出した遅延先が1分未満の将来なら即時に繰り上げることを検証（シナリオD）
// 08:59:30時点で09:00:00への遅延予約（30秒先）は即時配信になる。
func TestQueue_NearNowDeferredCollapsesToImmediate(t *testing.T) {
	rendered := make(chan model.NotificationJob, 1)
	q := NewQueue(&recordingRenderer{ch: rendered}, discardLogger(), QueueConfig{})
	defer q.Stop()

	now := at(8, 59, 30)
	target := at(9, 0, 0)
	_ = now // 実時刻ベースのキューでは「30秒先」をtime.Until換算で投入する

	q.Submit("user-1", normalJob(), Delivery{Kind: DeliveryDeferred, At: time.Now().Add(target.Sub(now))})

	select {
	case <-rendered:
		// 即時配信された
	case <-time.After(2 * time.Second):
		t.Fatal("near-now deferred delivery should collapse to immediate dispatch")
	}
	if q.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0", q.PendingCount())
	}
}

// プランごとのスマート通知デフォルト設定を検証
func TestDefaultSmartEnabled(t *testing.T) {
	tests := []struct {
		tier model.Tier
		want bool
	}{
		{model.TierFree, false},
		{model.TierPlus, true},
		{model.TierPro, true},
		{"unknown", false}, // 未知プランはfree扱い
	}

	for _, tt := range tests {
		if got := DefaultSmartEnabled(tt.tier); got != tt.want {
			t.Errorf("DefaultSmartEnabled(%q) = %v, want %v", tt.tier, got, tt.want)
		}
	}
}
