package bot

const (
	textHelp = `<b>mensabot</b>
/start &lt;mensa-id&gt; — register this chat for a cafeteria
/today, /tomorrow, /overmorrow — show a day's menu
/mensa &lt;mensa-id&gt; — switch cafeteria
/subscribe — daily menu on weekdays
/unsubscribe — stop automatic menus
/time HH:MM — change the daily send time`

	textNotRegistered   = "This chat is not registered yet. Start with /start &lt;mensa-id&gt;."
	textRegistered      = "Registered! You'll get the menu on weekdays at %s. Change with /time HH:MM."
	textMensaChanged    = "Cafeteria changed to %d."
	textSubscribed      = "Subscribed. Daily menu on weekdays at %s."
	textAlreadySub      = "Already subscribed (weekdays at %s). Use /time HH:MM to change the time."
	textUnsubscribed    = "Unsubscribed. Your cafeteria choice is kept; /subscribe re-enables daily menus."
	textNotSubscribed   = "This chat has no active subscription."
	textTimeChanged     = "Daily send time changed to %s."
	textBadMensaArg     = "Please give a numeric cafeteria id, e.g. /start 106."
	textBadTimeArg      = "Couldn't read that time. Use /time HH:MM, e.g. /time 09:30."
	textTemporaryError  = "Something went wrong, please try again."
)
