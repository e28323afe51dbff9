package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
)

// ProofEmail carries what the proof email shows.
type ProofEmail struct {
	ClientName  string
	ClientEmail string
	OrderNumber string
	Version     int
	Link        string
	ShopName    string
}

const proofText = `Bonjour {{.ClientName}},

L'épreuve version {{.Version}} de votre commande {{.OrderNumber}} est prête.
Vous pouvez la consulter, l'approuver ou demander une modification ici :

{{.Link}}

{{.ShopName}}
`

const proofHTML = `<p>Bonjour {{.ClientName}},</p>
<p>L'épreuve version {{.Version}} de votre commande <strong>{{.OrderNumber}}</strong> est prête.</p>
<p><a href="{{.Link}}">Consulter l'épreuve</a></p>
<p>{{.ShopName}}</p>
`

var (
	proofTextTmpl = texttemplate.Must(texttemplate.New("proof.txt").Parse(proofText))
	proofHTMLTmpl = htmltemplate.Must(htmltemplate.New("proof.html").Parse(proofHTML))
)

// Render builds the message sent to the client for a proof.
func (e ProofEmail) Render() (Message, error) {
	var text, html bytes.Buffer
	if err := proofTextTmpl.Execute(&text, e); err != nil {
		return Message{}, fmt.Errorf("render proof email: %w", err)
	}
	if err := proofHTMLTmpl.Execute(&html, e); err != nil {
		return Message{}, fmt.Errorf("render proof email: %w", err)
	}
	return Message{
		To:      e.ClientEmail,
		ToName:  e.ClientName,
		Subject: fmt.Sprintf("Épreuve à approuver - commande %s (v%d)", e.OrderNumber, e.Version),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}
