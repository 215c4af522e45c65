package notify

import (
	"bytes"
	htmltemplate "html/template"
	"text/template"

	"github.com/jogardn/restaurant-orders/internal/lifecycle"
	"github.com/jogardn/restaurant-orders/pkg/models"
)

const textBody = `Hi {{.CustomerName}},

Your order {{.OrderID}} is now: {{.StatusLabel}}
{{.StatusDetail}}

Items:
{{range .Items}}  - {{.Quantity}} x {{.Name}}{{if .Size}} ({{.Size}}){{end}}: {{.Total}}
{{end}}
Total: {{.Total}}

Thank you for ordering with us!
`

const htmlBody = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
  <p>Hi {{.CustomerName}},</p>
  <p>Your order <strong>{{.OrderID}}</strong> is now <strong>{{.StatusLabel}}</strong>.</p>
  <p>{{.StatusDetail}}</p>
  <table cellpadding="6" style="border-collapse: collapse;">
    <tr><th align="left">Item</th><th align="right">Qty</th><th align="right">Amount</th></tr>
    {{range .Items}}<tr><td>{{.Name}}{{if .Size}} ({{.Size}}){{end}}</td><td align="right">{{.Quantity}}</td><td align="right">{{.Total}}</td></tr>
    {{end}}<tr><td colspan="2"><strong>Total</strong></td><td align="right"><strong>{{.Total}}</strong></td></tr>
  </table>
  <p>Thank you for ordering with us!</p>
</body>
</html>
`

var (
	textTemplate = template.Must(template.New("status.txt").Parse(textBody))
	htmlTemplate = htmltemplate.Must(htmltemplate.New("status.html").Parse(htmlBody))
)

type itemLine struct {
	Name     string
	Size     string
	Quantity int
	Total    string
}

type statusData struct {
	CustomerName string
	OrderID      string
	StatusLabel  string
	StatusDetail string
	Items        []itemLine
	Total        string
}

func subjectFor(order *models.Order, status models.OrderStatus) string {
	return "Order " + order.ID + " update: " + lifecycle.DisplayName(status)
}

// renderStatus builds the email for order being at status. status need not
// be the order's stored status.
func renderStatus(order *models.Order, status models.OrderStatus) (Message, error) {
	data := statusData{
		CustomerName: order.CustomerName,
		OrderID:      order.ID,
		StatusLabel:  lifecycle.DisplayName(status),
		StatusDetail: lifecycle.Detail(status),
		Total:        order.TotalAmount.StringFixed(2),
	}
	for _, item := range order.Items {
		data.Items = append(data.Items, itemLine{
			Name:     item.ProductName,
			Size:     item.Size,
			Quantity: item.Quantity,
			Total:    item.TotalPrice.StringFixed(2),
		})
	}

	var text, html bytes.Buffer
	if err := textTemplate.Execute(&text, data); err != nil {
		return Message{}, err
	}
	if err := htmlTemplate.Execute(&html, data); err != nil {
		return Message{}, err
	}

	return Message{
		To:      order.CustomerEmail,
		Subject: subjectFor(order, status),
		Text:    text.String(),
		HTML:    html.String(),
		OrderID: order.ID,
		Status:  string(status),
	}, nil
}
