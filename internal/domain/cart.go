package domain

import "time"

// CartLine хранимая строка корзины.
type CartLine struct {
	ID        string
	CartID    string
	ProductID string
	ColorID   *string
	SizeID    *string
	Quantity  int32
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SameVariant сообщает, что строки описывают одну и ту же комбинацию товар/цвет/размер.
func (l CartLine) SameVariant(productID string, colorID, sizeID *string) bool {
	return l.ProductID == productID && sameOptional(l.ColorID, colorID) && sameOptional(l.SizeID, sizeID)
}

func sameOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// AddLineInput параметры добавления товара в корзину.
type AddLineInput struct {
	ProductID string
	ColorID   *string
	SizeID    *string
	Quantity  int32
}

// Validate проверяет входные данные добавления в корзину.
func (in AddLineInput) Validate() error {
	if in.ProductID == "" {
		return ErrProductRequired
	}
	if in.Quantity < 1 {
		return ErrQuantityInvalid
	}
	return nil
}

// CartLineView строка корзины с текущими данными каталога для отображения.
// Цена здесь текущая, а не зафиксированная.
type CartLineView struct {
	LineID         string
	ProductID      string
	ProductName    string
	ImageURL       string
	ColorID        *string
	ColorName      string
	SizeID         *string
	SizeName       string
	Quantity       int32
	UnitPriceMinor int64
}

// SubtotalMinor возвращает стоимость строки по текущей цене.
func (v CartLineView) SubtotalMinor() int64 {
	return int64(v.Quantity) * v.UnitPriceMinor
}

// CartView проекция корзины пользователя.
type CartView struct {
	UserID string
	Lines  []CartLineView
}

// TotalQuantity возвращает количество единиц товара во всех строках.
func (c CartView) TotalQuantity() int {
	var total int
	for _, line := range c.Lines {
		total += int(line.Quantity)
	}
	return total
}

// TotalMinor возвращает сумму корзины по текущим ценам.
func (c CartView) TotalMinor() int64 {
	var total int64
	for _, line := range c.Lines {
		total += line.SubtotalMinor()
	}
	return total
}

// Product минимальное представление товара каталога, нужное ядру.
type Product struct {
	ID         string
	Name       string
	PriceMinor int64
	ImageURL   string
}
