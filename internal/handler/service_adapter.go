package handler

import (
	"github.com/arete-app/arete/internal/auth"
	"github.com/arete-app/arete/internal/credit"
	"github.com/arete-app/arete/internal/narrative"
	"github.com/arete-app/arete/internal/reconcile"
	"github.com/arete-app/arete/internal/repository"
)

// ドメイン層の型はハンドラーのインターフェースをそのまま満たすため、アダプタは不要。
// ここではその対応をコンパイル時に検査する。

// --- compile-time interface checks ---

var _ AuthServiceInterface = (*auth.Service)(nil)
var _ CreditServiceInterface = (*credit.Service)(nil)
var _ NarrativeGenerator = (*narrative.Client)(nil)
var _ RefundFailureRecorder = (repository.RefundFailureRepository)(nil)
var _ PaymentServiceInterface = (*reconcile.PaymentReconciler)(nil)
var _ SchedulingServiceInterface = (*reconcile.SchedulingReconciler)(nil)
