package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/reconciler"
)

// formatMinor переводит сумму в минимальных единицах в десятичную строку: 13000 -> "130.00".
func formatMinor(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

type cartLineView struct {
	LineID         string  `json:"lineId"`
	ProductID      string  `json:"productId"`
	ProductName    string  `json:"productName"`
	ImageURL       string  `json:"imageUrl,omitempty"`
	ColorID        *string `json:"colorId,omitempty"`
	ColorName      string  `json:"colorName,omitempty"`
	SizeID         *string `json:"sizeId,omitempty"`
	SizeName       string  `json:"sizeName,omitempty"`
	Quantity       int32   `json:"quantity"`
	UnitPriceMinor int64   `json:"unitPriceMinor"`
	UnitPrice      string  `json:"unitPrice"`
	Subtotal       string  `json:"subtotal"`
}

type cartView struct {
	Lines         []cartLineView `json:"lines"`
	TotalQuantity int            `json:"totalQuantity"`
	TotalMinor    int64          `json:"totalMinor"`
	Total         string         `json:"total"`
	Currency      string         `json:"currency"`
}

func toCartView(c domain.CartView, currency string) cartView {
	lines := make([]cartLineView, 0, len(c.Lines))
	for _, l := range c.Lines {
		lines = append(lines, cartLineView{
			LineID:         l.LineID,
			ProductID:      l.ProductID,
			ProductName:    l.ProductName,
			ImageURL:       l.ImageURL,
			ColorID:        l.ColorID,
			ColorName:      l.ColorName,
			SizeID:         l.SizeID,
			SizeName:       l.SizeName,
			Quantity:       l.Quantity,
			UnitPriceMinor: l.UnitPriceMinor,
			UnitPrice:      formatMinor(l.UnitPriceMinor),
			Subtotal:       formatMinor(l.SubtotalMinor()),
		})
	}
	return cartView{
		Lines:         lines,
		TotalQuantity: c.TotalQuantity(),
		TotalMinor:    c.TotalMinor(),
		Total:         formatMinor(c.TotalMinor()),
		Currency:      currency,
	}
}

type orderItemView struct {
	ID          string  `json:"id"`
	ProductID   string  `json:"productId"`
	ProductName string  `json:"productName"`
	ImageURL    string  `json:"imageUrl,omitempty"`
	ColorID     *string `json:"colorId,omitempty"`
	ColorName   string  `json:"colorName,omitempty"`
	SizeID      *string `json:"sizeId,omitempty"`
	SizeName    string  `json:"sizeName,omitempty"`
	Quantity    int32   `json:"quantity"`
	PriceMinor  int64   `json:"priceMinor"`
	Price       string  `json:"price"`
}

type shippingView struct {
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

type orderView struct {
	ID                string          `json:"id"`
	Number            string          `json:"number"`
	CustomerID        string          `json:"customerId"`
	FulfillmentStatus string          `json:"fulfillmentStatus"`
	PaymentStatus     string          `json:"paymentStatus"`
	Currency          string          `json:"currency"`
	AmountMinor       int64           `json:"amountMinor"`
	Amount            string          `json:"amount"`
	Items             []orderItemView `json:"items"`
	Shipping          *shippingView   `json:"shipping,omitempty"`
	PaymentMethod     string          `json:"paymentMethod,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	PaidAt            *time.Time      `json:"paidAt,omitempty"`
}

func toOrderView(o domain.Order) orderView {
	items := make([]orderItemView, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemView{
			ID:          it.ID,
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			ImageURL:    it.ImageURL,
			ColorID:     it.ColorID,
			ColorName:   it.ColorName,
			SizeID:      it.SizeID,
			SizeName:    it.SizeName,
			Quantity:    it.Qty,
			PriceMinor:  it.PriceMinor,
			Price:       formatMinor(it.PriceMinor),
		})
	}

	view := orderView{
		ID:                o.ID,
		Number:            o.Number,
		CustomerID:        o.CustomerID,
		FulfillmentStatus: string(o.Fulfillment),
		PaymentStatus:     string(o.Payment),
		Currency:          o.Currency,
		AmountMinor:       o.AmountMinor,
		Amount:            formatMinor(o.AmountMinor),
		Items:             items,
		PaymentMethod:     o.PaymentMethod,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
		PaidAt:            o.PaidAt,
	}
	if !o.Shipping.IsZero() {
		view.Shipping = &shippingView{Name: o.Shipping.Name, Phone: o.Shipping.Phone, Address: o.Shipping.Address}
	}
	return view
}

func toOrderViews(orders []domain.Order) []orderView {
	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, toOrderView(o))
	}
	return views
}

type statsView struct {
	TotalOrders     int    `json:"totalOrders"`
	PendingOrders   int    `json:"pendingOrders"`
	CompletedOrders int    `json:"completedOrders"`
	PaidOrders      int    `json:"paidOrders"`
	RevenueMinor    int64  `json:"revenueMinor"`
	Revenue         string `json:"revenue"`
}

func toStatsView(s domain.OrderStats) statsView {
	return statsView{
		TotalOrders:     s.TotalOrders,
		PendingOrders:   s.PendingOrders,
		CompletedOrders: s.CompletedOrders,
		PaidOrders:      s.PaidOrders,
		RevenueMinor:    s.RevenueMinor,
		Revenue:         formatMinor(s.RevenueMinor),
	}
}

type monthRevenueView struct {
	Month        int    `json:"month"`
	Name         string `json:"name"`
	RevenueMinor int64  `json:"revenueMinor"`
	Revenue      string `json:"revenue"`
	Orders       int    `json:"orders"`
}

func toRevenueViews(months []domain.MonthRevenue) []monthRevenueView {
	views := make([]monthRevenueView, 0, len(months))
	for _, m := range months {
		views = append(views, monthRevenueView{
			Month:        int(m.Month),
			Name:         m.Month.String()[:3],
			RevenueMinor: m.RevenueMinor,
			Revenue:      formatMinor(m.RevenueMinor),
			Orders:       m.Orders,
		})
	}
	return views
}

type timelineEventView struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

func toTimelineViews(events []domain.TimelineEvent) []timelineEventView {
	views := make([]timelineEventView, 0, len(events))
	for _, ev := range events {
		views = append(views, timelineEventView{Type: ev.Type, Reason: ev.Reason, Occurred: ev.Occurred})
	}
	return views
}

type webhookAck struct {
	Received bool   `json:"received"`
	EventID  string `json:"eventId,omitempty"`
	Outcome  string `json:"outcome"`
}

func toWebhookAck(res reconciler.Result) webhookAck {
	return webhookAck{Received: true, EventID: res.EventID, Outcome: string(res.Outcome)}
}
