package login

// Selectors locate the distinguishing elements of each login variant.
type Selectors struct {
	Captcha       []string
	CaptchaURL    []string // URL segments
	CaptchaImage  string
	CaptchaInput  string
	CaptchaSubmit string

	Banned    []string
	BannedURL []string

	ChallengeFrame    string
	ChallengeQuestion string
	ChallengeLabel    string
	ChallengeButton   string
	ChallengeURL      string

	Login    string
	Password string
	Submit   string

	PickerItem string
	AddAccount string

	SearchInput string
	WordstatURL string // host segment
}

// DefaultSelectors match the Yandex Passport and Wordstat layouts.
var DefaultSelectors = Selectors{
	Captcha: []string{
		`.CheckboxCaptcha`,
		`.AdvancedCaptcha`,
		`form[action*="checkcaptcha"]`,
		`#checkbox-captcha-form`,
	},
	CaptchaURL:    []string{"showcaptcha", "/captcha"},
	CaptchaImage:  `.AdvancedCaptcha-View img, img.AdvancedCaptcha-Image`,
	CaptchaInput:  `input[name="rep"], .AdvancedCaptcha input[type="text"]`,
	CaptchaSubmit: `.AdvancedCaptcha button[type="submit"]`,

	Banned:    []string{`.passp-accountblocked`, `[data-t="account-blocked"]`},
	BannedURL: []string{"/auth/blocked"},

	ChallengeFrame:    `iframe[src*="challenge"], iframe[name="challenge"]`,
	ChallengeQuestion: `[data-t="challenge-question"], .passp-form-field__label, label`,
	ChallengeLabel:    "Ответ на контрольный вопрос",
	ChallengeButton:   "Продолжить",
	ChallengeURL:      "auth/challenge",

	Login:    `input[name="login"]`,
	Password: `input[name="passwd"]`,
	Submit:   `button[type="submit"]`,

	PickerItem: `.AuthAccountListItem, [data-t="account-list-item"]`,
	AddAccount: `.AddAccountButton, [data-t="add-account"]`,

	SearchInput: `input[name="text"], [data-auto="search-input"], .textinput__control`,
	WordstatURL: "wordstat.yandex",
}

func (s *Selectors) fill() {
	d := DefaultSelectors
	if len(s.Captcha) == 0 {
		s.Captcha = d.Captcha
	}
	if len(s.CaptchaURL) == 0 {
		s.CaptchaURL = d.CaptchaURL
	}
	setDefault(&s.CaptchaImage, d.CaptchaImage)
	setDefault(&s.CaptchaInput, d.CaptchaInput)
	setDefault(&s.CaptchaSubmit, d.CaptchaSubmit)
	if len(s.Banned) == 0 {
		s.Banned = d.Banned
	}
	if len(s.BannedURL) == 0 {
		s.BannedURL = d.BannedURL
	}
	setDefault(&s.ChallengeFrame, d.ChallengeFrame)
	setDefault(&s.ChallengeQuestion, d.ChallengeQuestion)
	setDefault(&s.ChallengeLabel, d.ChallengeLabel)
	setDefault(&s.ChallengeButton, d.ChallengeButton)
	setDefault(&s.ChallengeURL, d.ChallengeURL)
	setDefault(&s.Login, d.Login)
	setDefault(&s.Password, d.Password)
	setDefault(&s.Submit, d.Submit)
	setDefault(&s.PickerItem, d.PickerItem)
	setDefault(&s.AddAccount, d.AddAccount)
	setDefault(&s.SearchInput, d.SearchInput)
	setDefault(&s.WordstatURL, d.WordstatURL)
}

func setDefault(v *string, d string) {
	if *v == "" {
		*v = d
	}
}
