package sequence

import (
	"sort"
	"strings"

	"sequenceflow/models"
)

// ClientProfile is the sending brand exposed to templates as {client_*} variables.
type ClientProfile struct {
	CompanyName string
	ContactName string
	SenderName  string
	SenderEmail string
	Phone       string
	Website     string
}

// RenderedMessage is a template after substitution.
type RenderedMessage struct {
	Subject  string
	HTMLBody string
	TextBody string
}

// Renderer substitutes {variable} placeholders in step templates.
type Renderer struct {
	Client ClientProfile
}

// Variables builds the substitution map for one contact in one campaign.
func (r Renderer) Variables(contact *models.Contact, campaign *models.Campaign) map[string]string {
	vars := map[string]string{
		"first_name":    orDefault(contact.FirstName, "there"),
		"last_name":     contact.LastName,
		"company":       orDefault(contact.Company, "your organization"),
		"email":         contact.Email,
		"domain":        contact.EmailDomain(),
		"industry":      orDefault(contact.Industry, "your industry"),
		"business_type": contact.BusinessType,
		"company_size":  contact.CompanySize,
	}
	if campaign != nil {
		vars["campaign_name"] = campaign.Name
	}

	contactName := r.Client.ContactName
	if contactName == "" {
		contactName = r.Client.SenderName
	}
	vars["client_company_name"] = r.Client.CompanyName
	vars["client_contact_name"] = contactName
	vars["client_sender_name"] = r.Client.SenderName
	vars["client_sender_email"] = r.Client.SenderEmail
	vars["client_phone"] = r.Client.Phone
	vars["client_website"] = r.Client.Website
	return vars
}

// Render substitutes variables into the subject and both bodies.
func (r Renderer) Render(tpl models.Template, contact *models.Contact, campaign *models.Campaign) RenderedMessage {
	replacer := newReplacer(r.Variables(contact, campaign))
	return RenderedMessage{
		Subject:  replacer.Replace(tpl.Subject),
		HTMLBody: replacer.Replace(tpl.HTMLBody),
		TextBody: replacer.Replace(tpl.TextBody),
	}
}

// Substitute replaces {name} and {{name}} placeholders in text.
func Substitute(text string, vars map[string]string) string {
	if text == "" {
		return text
	}
	return newReplacer(vars).Replace(text)
}

func newReplacer(vars map[string]string) *strings.Replacer {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// double-brace forms first so {{x}} is not left as {value}
	pairs := make([]string, 0, len(keys)*4)
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", vars[k])
	}
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", vars[k])
	}
	return strings.NewReplacer(pairs...)
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
