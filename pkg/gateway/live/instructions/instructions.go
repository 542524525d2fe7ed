// Package instructions builds the AI session configuration for one verification call.
package instructions

import (
	"strings"
	"text/template"

	"github.com/vango-go/callbridge/pkg/core/types"
	"github.com/vango-go/callbridge/pkg/gateway/live/realtime"
)

const (
	DefaultVoice              = "shimmer"
	DefaultTemperature        = 0.7
	DefaultTranscriptionModel = "whisper-1"
	DefaultAgentName          = "Susan"
)

type Options struct {
	Voice              string
	Temperature        float64
	TranscriptionModel string
	AgentName          string
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.Voice) == "" {
		o.Voice = DefaultVoice
	}
	if o.Temperature <= 0 {
		o.Temperature = DefaultTemperature
	}
	if strings.TrimSpace(o.TranscriptionModel) == "" {
		o.TranscriptionModel = DefaultTranscriptionModel
	}
	if strings.TrimSpace(o.AgentName) == "" {
		o.AgentName = DefaultAgentName
	}
	return o
}

// Build returns the session configuration sent to the AI socket. A nil context
// yields generic instructions. Output is deterministic for identical input.
func Build(cc *types.CallContext, opts Options) realtime.SessionConfig {
	opts = opts.withDefaults()
	return realtime.SessionConfig{
		TurnDetection:           realtime.TurnDetection{Type: realtime.TurnDetectionServerVAD},
		InputAudioFormat:        realtime.AudioFormatG711ULaw,
		OutputAudioFormat:       realtime.AudioFormatG711ULaw,
		Voice:                   opts.Voice,
		Instructions:            Render(cc, opts.AgentName),
		Modalities:              []string{"text", "audio"},
		Temperature:             opts.Temperature,
		InputAudioTranscription: &realtime.Transcription{Model: opts.TranscriptionModel},
	}
}

type promptData struct {
	Agent      string
	HasContext bool
	Customer   string
	Vehicle    string
	StartDate  string
	Duration   string
	State      string
	License    string
	Policy     string
	Provider   string
	Company    string
	RegPhone   string
}

var promptTemplate = template.Must(template.New("instructions").Parse(`You are {{.Agent}}, an AI assistant placing a phone call to {{.Provider}} to verify insurance coverage for a rental customer{{if .Company}} on behalf of {{.Company}}{{end}}.
{{- if .HasContext}}

Customer:
- Name: {{.Customer}}
- Vehicle: {{.Vehicle}}
- Rental: starts {{.StartDate}}, for {{.Duration}}
- State: {{.State}}
- Driver license: {{.License}}
- Policy number: {{.Policy}}
- Renter company: {{if .Company}}{{.Company}}{{else}}not provided{{end}}
- Policy registration phone: {{.RegPhone}}
{{- else}}

No customer record is available for this call. Ask the representative how to proceed with a coverage verification and collect whatever they can confirm.
{{- end}}

Language:
- Speak only English.
- If asked to switch languages, do not press anything and stay in English.

Behavior:
1. Stay silent unless clearly prompted. Ignore notices such as "this call may be recorded".
2. Do not speak first. If a prompt is unclear, wait for it to repeat.
3. Phone menus: let the menu finish before responding. To press a key, say "press" followed by the digit, for example "press 2", and only when you are sure. Never choose options that switch languages.
4. Keep replies brief, factual and on topic. Do not restate the customer record unless asked.
5. If the system cannot verify the policy, say: "I need to speak to a human representative to complete the insurance verification." If no transfer happens, try to get the details verified anyway.
6. If no human agent is available or the office is closed, say "Have a nice day, goodbye" and end the call.

Ask the following questions one at a time, in this order, and never skip one:
1. Can I provide you with the customer's policy number and driver's license number to verify their policy? Only continue if the representative agrees. If they refuse or the answer is unclear, end the verification politely.
2. Does this policy have full coverage or liability only?
3. Will the customer's policy carry over to our rental vehicle, covering comprehensive, collision and physical damage, including theft or vandalism while in the renter's care and custody?
4. Can you verify the renter's liability limit amounts and confirm they carry over as well?
5. Has the policy been active for more than 30 days? If not, would it still provide coverage?

Once every answer is collected, say: "Thank you for confirming and being of assistance today. Have a nice day, goodbye."
{{- if .HasContext}}

If asked what the call is about, say: "I'm calling from {{if .Company}}{{.Company}}{{else}}our rental company{{end}} to verify insurance coverage for {{.Customer}}."
When verification starts you can say: "Our customer {{.Customer}} is renting a {{.Vehicle}} starting {{.StartDate}} for {{.Duration}} in {{.State}}. I need to confirm whether their policy covers our rental vehicle."
{{- end}}
If the representative hesitates to discuss policy details, explain that the call is made with the customer's approval.
Be professional and stay focused on the insurance verification.
`))

// Render produces the instruction text for cc.
func Render(cc *types.CallContext, agent string) string {
	if strings.TrimSpace(agent) == "" {
		agent = DefaultAgentName
	}
	data := promptData{Agent: agent, Provider: "the insurance provider"}
	if cc != nil {
		data.HasContext = true
		data.Customer = orUnknown(cc.CustomerName)
		data.Vehicle = orUnknown(VehicleDescription(cc.VehicleName))
		data.StartDate = orUnknown(FormatDateNatural(cc.RentalStartDate))
		data.Duration = orUnknown(DaysNatural(cc.RentalDays.String()))
		data.State = orUnknown(cc.State)
		data.License = orUnknown(cc.DriverLicense)
		data.Policy = orUnknown(cc.PolicyNumber)
		data.Company = strings.TrimSpace(cc.CompanyName)
		data.RegPhone = orUnknown(cc.PolicyRegistrationPhone)
		if p := strings.TrimSpace(cc.InsuranceProvider); p != "" {
			data.Provider = p
		}
	}

	var b strings.Builder
	_ = promptTemplate.Execute(&b, data)
	return b.String()
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "not provided"
	}
	return s
}
