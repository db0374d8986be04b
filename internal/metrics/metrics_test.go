package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordUpdate(t *testing.T) {
	m := New()

	m.RecordUpdate(51413)
	m.RecordUpdate(51413)

	if got := testutil.ToFloat64(m.portUpdates); got != 2 {
		t.Errorf("更新计数错误: %v", got)
	}
	if got := testutil.ToFloat64(m.currentPort); got != 51413 {
		t.Errorf("当前端口指标错误: %v", got)
	}
	if got := testutil.ToFloat64(m.lastUpdate); got == 0 {
		t.Error("最后更新时间戳不应为零")
	}
}

func TestRecordFailure(t *testing.T) {
	m := New()

	m.RecordFailure()

	if got := testutil.ToFloat64(m.syncFailures); got != 1 {
		t.Errorf("失败计数错误: %v", got)
	}
	if got := testutil.ToFloat64(m.portUpdates); got != 0 {
		t.Errorf("失败不应增加更新计数: %v", got)
	}
}
