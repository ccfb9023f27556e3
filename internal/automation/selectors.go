package automation

// Selectors names every UI element the runtime touches. Operators override
// them through configuration when the site markup changes.
type Selectors struct {
	LoginUsername  SelectorSet `mapstructure:"login_username"`
	LoginPassword  SelectorSet `mapstructure:"login_password"`
	LoginSubmit    SelectorSet `mapstructure:"login_submit"`
	LoginChallenge SelectorSet `mapstructure:"login_challenge"`
	LoggedIn       SelectorSet `mapstructure:"logged_in"`

	ListItemLink SelectorSet `mapstructure:"list_item_link"`
	LoadMore     SelectorSet `mapstructure:"load_more"`

	ProfileMissing     SelectorSet `mapstructure:"profile_missing"`
	ConnectedIndicator SelectorSet `mapstructure:"connected_indicator"`
	PendingIndicator   SelectorSet `mapstructure:"pending_indicator"`
	ConnectButton      SelectorSet `mapstructure:"connect_button"`
	MoreActions        SelectorSet `mapstructure:"more_actions"`
	ConnectInMenu      SelectorSet `mapstructure:"connect_in_menu"`
	AddNote            SelectorSet `mapstructure:"add_note"`
	NoteInput          SelectorSet `mapstructure:"note_input"`
	SendInvite         SelectorSet `mapstructure:"send_invite"`

	MessageButton SelectorSet `mapstructure:"message_button"`
	MessageInput  SelectorSet `mapstructure:"message_input"`
	MessageSend   SelectorSet `mapstructure:"message_send"`
	MessageSent   SelectorSet `mapstructure:"message_sent"`

	PostStart   SelectorSet `mapstructure:"post_start"`
	PostEditor  SelectorSet `mapstructure:"post_editor"`
	PostSubmit  SelectorSet `mapstructure:"post_submit"`
	PostConfirm SelectorSet `mapstructure:"post_confirm"`
}

// DefaultSelectors returns attribute-based placeholders.
func DefaultSelectors() Selectors {
	return Selectors{
		LoginUsername:  SelectorSet{`input[name="username"]`, `input[type="email"]`},
		LoginPassword:  SelectorSet{`input[name="password"]`, `input[type="password"]`},
		LoginSubmit:    SelectorSet{`button[type="submit"]`},
		LoginChallenge: SelectorSet{`[data-test="challenge"]`, `form[action*="challenge"]`},
		LoggedIn:       SelectorSet{`[data-test="global-nav"]`, `nav[aria-label="Primary"]`},

		ListItemLink: SelectorSet{`a[href*="/in/"]`},
		LoadMore:     SelectorSet{`button[aria-label*="more"]`, `[data-test="load-more"]`},

		ProfileMissing:     SelectorSet{`[data-test="profile-unavailable"]`},
		ConnectedIndicator: SelectorSet{`[data-test="degree-1"]`},
		PendingIndicator:   SelectorSet{`button[aria-label*="Pending"]`, `[data-test="invite-pending"]`},
		ConnectButton:      SelectorSet{`button[aria-label*="Connect"]`, `[data-test="connect"]`},
		MoreActions:        SelectorSet{`button[aria-label="More actions"]`},
		ConnectInMenu:      SelectorSet{`[role="menu"] [aria-label*="Connect"]`},
		AddNote:            SelectorSet{`button[aria-label="Add a note"]`},
		NoteInput:          SelectorSet{`textarea[name="message"]`},
		SendInvite:         SelectorSet{`button[aria-label="Send invitation"]`, `button[aria-label="Send now"]`},

		MessageButton: SelectorSet{`button[aria-label*="Message"]`},
		MessageInput:  SelectorSet{`div[role="textbox"][contenteditable="true"]`},
		MessageSend:   SelectorSet{`button[type="submit"][aria-label*="Send"]`},
		MessageSent:   SelectorSet{`[data-test="message-sent"]`, `li[data-event-urn]:last-child`},

		PostStart:   SelectorSet{`button[aria-label*="Start a post"]`},
		PostEditor:  SelectorSet{`div[role="textbox"][aria-label*="post"]`},
		PostSubmit:  SelectorSet{`button[aria-label="Post"]`},
		PostConfirm: SelectorSet{`[data-test="post-success"]`, `[role="alert"]`},
	}
}
