package pocketbase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   StatusClass
	}{
		{200, ClassOK},
		{204, ClassOK},
		{400, ClassRejected},
		{401, ClassAuth},
		{403, ClassAuth},
		{404, ClassNotFound},
		{408, ClassRetryable},
		{409, ClassRejected},
		{422, ClassRejected},
		{429, ClassRetryable},
		{500, ClassRetryable},
		{503, ClassRetryable},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestClassify_Errors(t *testing.T) {
	if Classify(nil) != ClassOK {
		t.Error("nil は ClassOK であるべき")
	}
	wrapped := fmt.Errorf("wrap: %w", &ResponseError{Status: 401})
	if Classify(wrapped) != ClassAuth {
		t.Error("ラップされた401は ClassAuth であるべき")
	}
	if Classify(&NetworkError{Err: errors.New("reset")}) != ClassRetryable {
		t.Error("通信エラーは ClassRetryable であるべき")
	}
	if Classify(errors.New("unknown")) != ClassRejected {
		t.Error("未知のエラーは ClassRejected であるべき")
	}
}

func TestIsCancellation(t *testing.T) {
	if !IsCancellation(fmt.Errorf("x: %w", context.Canceled)) {
		t.Error("context.Canceled はキャンセルと判定されるべき")
	}
	if IsCancellation(context.DeadlineExceeded) {
		t.Error("DeadlineExceeded はキャンセルではない")
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxRetries() != 3 {
		t.Fatalf("MaxRetries = %d, want 3", p.MaxRetries())
	}
	want := []time.Duration{time.Second, 3 * time.Second, 5 * time.Second}
	for i, w := range want {
		d, ok := p.Delay(i + 1)
		if !ok || d != w {
			t.Errorf("Delay(%d) = %v, %v; want %v", i+1, d, ok, w)
		}
	}
	if _, ok := p.Delay(4); ok {
		t.Error("4回目のリトライは許可されないべき")
	}
	if _, ok := p.Delay(0); ok {
		t.Error("0回目は無効であるべき")
	}
}

func TestParseRetryDelays(t *testing.T) {
	p, err := ParseRetryDelays("1s, 3s,5s")
	if err != nil {
		t.Fatalf("ParseRetryDelays: %v", err)
	}
	if p.MaxRetries() != 3 {
		t.Errorf("MaxRetries = %d", p.MaxRetries())
	}

	empty, err := ParseRetryDelays("")
	if err != nil || empty.MaxRetries() != 0 {
		t.Errorf("空文字列はリトライなし: %v, %d", err, empty.MaxRetries())
	}

	if _, err := ParseRetryDelays("1s,abc"); err == nil {
		t.Error("不正な形式はエラーになるべき")
	}
	if _, err := ParseRetryDelays("-1s"); err == nil {
		t.Error("負の値はエラーになるべき")
	}
}
