package reconcile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/arete-app/arete/internal/model"
)

// 注文番号の接頭辞。付与する権利の種類を表す。
const (
	PrefixCredits  = "CR"
	PrefixAdvisory = "AS"
)

// Product は販売商品を表す。
type Product struct {
	Code     string
	ID       int
	Name     string
	Prefix   string
	Amount   int64 // CLP
	Credits  int64
	Sessions int64
}

// GrantKind は購入時に記録する台帳種別を返す。
func (p Product) GrantKind() model.UsageKind {
	if p.Prefix == PrefixAdvisory {
		return model.UsageKindSessionGrant
	}
	return model.UsageKindCreditGrant
}

var catalog = []Product{
	{Code: "credits_50", ID: 1, Name: "50 créditos IA", Prefix: PrefixCredits, Amount: 4990, Credits: 50},
	{Code: "credits_150", ID: 2, Name: "150 créditos IA", Prefix: PrefixCredits, Amount: 11990, Credits: 150},
	{Code: "advisory_session", ID: 3, Name: "Sesión de asesoría", Prefix: PrefixAdvisory, Amount: 29990, Sessions: 1},
}

// Products は商品一覧を返す。
func Products() []Product {
	out := make([]Product, len(catalog))
	copy(out, catalog)
	return out
}

// ProductByCode は商品コードから商品を返す。
func ProductByCode(code string) (Product, error) {
	for _, p := range catalog {
		if p.Code == code {
			return p, nil
		}
	}
	return Product{}, fmt.Errorf("%w: %s", model.ErrUnknownProduct, code)
}

// NewBuyOrder は商品の注文番号を生成する。
// 形式は 接頭辞 + 3桁の商品ID + "-" + 12桁の16進数（Webpayの上限26文字以内）。
func NewBuyOrder(p Product) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s%03d-%s", p.Prefix, p.ID, suffix)
}

// ProductFromBuyOrder は注文番号の接頭辞と商品IDから商品を特定する。
func ProductFromBuyOrder(buyOrder string) (Product, error) {
	head, _, ok := strings.Cut(buyOrder, "-")
	if !ok || len(head) != 5 {
		return Product{}, fmt.Errorf("%w: buy order %q", model.ErrUnknownProduct, buyOrder)
	}
	id, err := strconv.Atoi(head[2:])
	if err != nil {
		return Product{}, fmt.Errorf("%w: buy order %q", model.ErrUnknownProduct, buyOrder)
	}
	for _, p := range catalog {
		if p.Prefix == head[:2] && p.ID == id {
			return p, nil
		}
	}
	return Product{}, fmt.Errorf("%w: buy order %q", model.ErrUnknownProduct, buyOrder)
}
