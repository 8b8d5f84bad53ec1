package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/AndreMMuniz/agent-multichat/graph"
	"github.com/AndreMMuniz/agent-multichat/knowledge"
	"github.com/AndreMMuniz/agent-multichat/log"
	"github.com/AndreMMuniz/agent-multichat/model"
)

// Node IDs. The set is closed: the pipeline dispatch table is built from
// these at startup and nothing else can appear in a checkpoint's NextNodes.
const (
	NodeManageHistory         = "manage_history"
	NodeCheckUserProfile      = "check_user_profile"
	NodeLoadUserContext       = "load_user_context"
	NodeClassifyMessage       = "classify_message"
	NodeRetrieveKnowledge     = "retrieve_knowledge"
	NodeGenerateResponse      = "generate_response"
	NodeExtractUserInfo       = "extract_user_info"
	NodeSaveUserProfile       = "save_user_profile"
	NodeDetectCriticalAction  = "detect_critical_action"
	NodeCreatePendingAction   = "create_pending_action"
	NodeExecuteApprovedAction = "execute_approved_action"
	NodeSaveResponse          = "save_response"
	NodeSummarizeConversation = "summarize_conversation"
	NodeSaveUserContext       = "save_user_context"
)

// Intents produced by the classifier.
var validIntents = []string{"SALES", "SUPPORT", "COMPLAINT", "GENERAL"}

const historyWindow = 10

// Nodes bundles the collaborators the pipeline nodes need. The retriever is
// injected; there is no ambient retrieval singleton.
type Nodes struct {
	store     *Store
	model     model.Model
	retriever knowledge.Retriever
}

// NewNodes creates the node set.
func NewNodes(store *Store, m model.Model, retriever knowledge.Retriever) *Nodes {
	return &Nodes{store: store, model: m, retriever: retriever}
}

// ManageHistory finds or creates the user's conversation, persists the
// incoming message and seeds the message window. The window is loaded from
// the database only when the checkpointed state carries no messages yet.
func (n *Nodes) ManageHistory(ctx context.Context, state graph.State) (graph.State, error) {
	userID := stateString(state, KeyUserID)
	channel := stateString(state, KeyChannel)
	content := stateString(state, KeyCurrentInput)

	conversationID, err := n.store.FindOrCreateConversation(ctx, userID, channel)
	if err != nil {
		return nil, err
	}
	if err := n.store.SaveMessage(ctx, conversationID, "user", channel, content); err != nil {
		return nil, err
	}

	var msgs []model.Message
	if len(stateMessages(state)) == 0 {
		stored, err := n.store.RecentMessages(ctx, conversationID, historyWindow)
		if err != nil {
			return nil, err
		}
		for _, rec := range stored {
			if rec.Sender == "user" {
				msgs = append(msgs, model.NewUserMessage(rec.Content))
			} else {
				msgs = append(msgs, model.NewAssistantMessage(rec.Content))
			}
		}
	} else {
		msgs = []model.Message{model.NewUserMessage(content)}
	}
	return graph.State{
		KeyConversationID: conversationID,
		KeyMessages:       msgs,
	}, nil
}

// CheckUserProfile loads the user's profile, creating a first-contact record
// for new users.
func (n *Nodes) CheckUserProfile(ctx context.Context, state graph.State) (graph.State, error) {
	userID := stateString(state, KeyUserID)
	profile, err := n.store.LoadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		if err := n.store.CreateProfile(ctx, userID, stateString(state, KeyChannel)); err != nil {
			return nil, err
		}
		return graph.State{
			KeyIsFirstContact: true,
			KeyHasName:        false,
		}, nil
	}
	if profile.IsFirstContact {
		if err := n.store.ClearFirstContact(ctx, userID); err != nil {
			return nil, err
		}
	}
	return graph.State{
		KeyUserProfile: map[string]any{
			"name":  profile.Name,
			"email": profile.Email,
			"phone": profile.Phone,
		},
		KeyIsFirstContact: false,
		KeyHasName:        profile.Name != "",
	}, nil
}

// LoadUserContext loads the user's long-term memory summary, most recent
// across any channel.
func (n *Nodes) LoadUserContext(ctx context.Context, state graph.State) (graph.State, error) {
	userContext, err := n.store.LatestUserContext(ctx, stateString(state, KeyUserID))
	if err != nil {
		return nil, err
	}
	summary := ""
	if userContext != nil {
		summary = userContext.Summary
	}
	return graph.State{KeyUserContext: summary}, nil
}

// ClassifyMessage labels the user's latest intent. Model failures and
// off-vocabulary answers degrade to a keyword classifier so the run never
// aborts here.
func (n *Nodes) ClassifyMessage(ctx context.Context, state graph.State) (graph.State, error) {
	input := stateString(state, KeyCurrentInput)

	systemPrompt := "You are an intelligent agent classifier."
	if examples := n.fewShotIntents(ctx); examples != "" {
		systemPrompt += "\n\nExamples of correct classifications:\n" + examples + "\n"
	}
	systemPrompt += "\nAnalyze the conversation and classify the user's LATEST intent into one of these categories: [SALES, SUPPORT, COMPLAINT, GENERAL]. Return ONLY the category name."

	prompt := append([]model.Message{model.NewSystemMessage(systemPrompt)}, promptWindow(state)...)
	answer, err := n.model.Complete(ctx, prompt)
	if err != nil {
		log.Warnf("classify: model call failed, using keyword fallback: %v", err)
		return graph.State{KeyIntent: keywordIntent(input)}, nil
	}
	intent := strings.ToUpper(strings.TrimSpace(answer))
	for _, valid := range validIntents {
		if strings.Contains(intent, valid) {
			return graph.State{KeyIntent: valid}, nil
		}
	}
	return graph.State{KeyIntent: "GENERAL"}, nil
}

func (n *Nodes) fewShotIntents(ctx context.Context) string {
	examples, err := n.store.FewShotExamples(ctx, "", 5)
	if err != nil {
		log.Warnf("classify: could not load few-shot examples: %v", err)
		return ""
	}
	var lines []string
	for _, ex := range examples {
		if ex.ExpectedIntent != "" {
			lines = append(lines, fmt.Sprintf("User: %s\nIntent: %s", ex.UserInput, ex.ExpectedIntent))
		}
	}
	return strings.Join(lines, "\n")
}

func keywordIntent(input string) string {
	lower := strings.ToLower(input)
	switch {
	case containsAny(lower, "comprar", "preço", "preco", "price", "plano", "contratar", "quanto custa"):
		return "SALES"
	case containsAny(lower, "reclama", "péssimo", "pessimo", "absurdo", "complaint", "inaceitável", "inaceitavel"):
		return "COMPLAINT"
	case containsAny(lower, "erro", "problema", "não funciona", "nao funciona", "ajuda", "suporte", "help"):
		return "SUPPORT"
	}
	return "GENERAL"
}

// RetrieveKnowledge fetches reference text for the current input. An empty
// or failed retrieval leaves the context blank rather than aborting.
func (n *Nodes) RetrieveKnowledge(ctx context.Context, state graph.State) (graph.State, error) {
	input := stateString(state, KeyCurrentInput)
	text, err := n.retriever.Retrieve(ctx, input)
	if err != nil {
		log.Warnf("retrieve: %v", err)
		return graph.State{KeyRetrievedContext: ""}, nil
	}
	return graph.State{KeyRetrievedContext: text}, nil
}

// GenerateResponse produces the reply. First contacts without a known name
// are asked for one before anything else; short greetings from known users
// get a canned welcome-back. The reply is persisted immediately so a later
// node failure cannot lose it.
func (n *Nodes) GenerateResponse(ctx context.Context, state graph.State) (graph.State, error) {
	channel := stateString(state, KeyChannel)

	if stateBool(state, KeyIsFirstContact) && !stateBool(state, KeyHasName) {
		return n.persistResponse(ctx, state, askNameResponse(channel))
	}

	userName := ""
	if profile := stateMap(state, KeyUserProfile); profile != nil {
		userName, _ = profile["name"].(string)
	}
	input := strings.ToLower(stateString(state, KeyCurrentInput))
	if userName != "" && isGreeting(input) {
		return n.persistResponse(ctx, state,
			fmt.Sprintf("Oi %s, que bom tê-lo de volta! Como posso ajudar?", userName))
	}

	systemPrompt := n.responsePrompt(ctx, state, userName)
	prompt := append([]model.Message{model.NewSystemMessage(systemPrompt)}, promptWindow(state)...)
	answer, err := n.model.Complete(ctx, prompt)
	if err != nil {
		log.Warnf("generate: model call failed, using fallback response: %v", err)
		answer = "Desculpe, estou com dificuldades técnicas no momento. Pode tentar novamente em instantes?"
	}
	return n.persistResponse(ctx, state, answer)
}

func (n *Nodes) responsePrompt(ctx context.Context, state graph.State, userName string) string {
	channel := stateString(state, KeyChannel)
	intent := stateString(state, KeyIntent)
	if intent == "" {
		intent = "GENERAL"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a helpful assistant responding via %s. ", channel)
	fmt.Fprintf(&b, "The user's intent is classified as: %s. ", intent)
	b.WriteString(channelStyle(channel) + "\n")

	if retrieved := stateString(state, KeyRetrievedContext); retrieved != "" {
		b.WriteString("\n=== KNOWLEDGE BASE (CRITICAL - USE THIS INFORMATION) ===\n")
		b.WriteString(retrieved)
		b.WriteString("\n=== END OF KNOWLEDGE BASE ===\n")
		b.WriteString("\nAnswer from the knowledge base when it covers the question. " +
			"Quote prices, hours and package details exactly as stated. " +
			"Never invent information about the company, its prices or policies. " +
			"If the knowledge base does not cover it, say you could not find that " +
			"information and offer to forward the user to a human agent.\n")
	}
	if userName != "" {
		fmt.Fprintf(&b, "\nThe user's name is %s. Use their name naturally in your response.\n", userName)
	}
	if userContext := stateString(state, KeyUserContext); userContext != "" {
		fmt.Fprintf(&b, "\nUser Context (from previous conversations): %s\n", userContext)
	}
	if examples := n.fewShotResponses(ctx, intent); examples != "" {
		fmt.Fprintf(&b, "\n\nExamples of high-quality responses for %s:\n%s\n", intent, examples)
	}
	b.WriteString("Maintain conversation context. Be helpful and accurate.")
	return b.String()
}

func (n *Nodes) fewShotResponses(ctx context.Context, intent string) string {
	examples, err := n.store.FewShotExamples(ctx, strings.ToLower(intent), 3)
	if err != nil {
		log.Warnf("generate: could not load few-shot examples: %v", err)
		return ""
	}
	var lines []string
	for _, ex := range examples {
		if ex.ExpectedResponse != "" {
			lines = append(lines, fmt.Sprintf("Q: %s\nA: %s", ex.UserInput, ex.ExpectedResponse))
		}
	}
	return strings.Join(lines, "\n")
}

func (n *Nodes) persistResponse(ctx context.Context, state graph.State, response string) (graph.State, error) {
	conversationID := stateInt64(state, KeyConversationID)
	channel := stateString(state, KeyChannel)
	if response != "" && conversationID != 0 {
		if err := n.store.SaveMessage(ctx, conversationID, "agent", channel, response); err != nil {
			log.Errorf("generate: failed to persist response: %v", err)
		}
	}
	return graph.State{
		KeyResponse: response,
		KeyMessages: []model.Message{model.NewAssistantMessage(response)},
	}, nil
}

func askNameResponse(channel string) string {
	switch channel {
	case "whatsapp":
		return "Olá! Antes de começar, qual é o seu nome? Assim posso te atender melhor!"
	case "email":
		return "Olá! Seja bem-vindo(a). Para que eu possa oferecer um atendimento personalizado, poderia me informar seu nome, por favor?"
	case "telegram":
		return "Olá! Qual é o seu nome? Vou te atender melhor sabendo como te chamar!"
	default:
		return "Olá! Antes de prosseguir, poderia me informar seu nome para um atendimento personalizado?"
	}
}

func channelStyle(channel string) string {
	switch channel {
	case "whatsapp":
		return "Keep responses under 2 sentences. Use emojis appropriately. Be casual and friendly."
	case "email":
		return "Use formal business language. Include a greeting and professional closing. Structure with clear paragraphs."
	case "telegram":
		return "Be concise but informative. You can use markdown formatting if helpful."
	default:
		return "Be professional and helpful."
	}
}

func isGreeting(input string) bool {
	if len(strings.Fields(input)) > 5 {
		return false
	}
	return containsAny(input, "oi", "olá", "ola", "bom dia", "boa tarde", "boa noite", "voltei")
}

var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:meu nome é|me chamo|pode me chamar de|sou o|sou a)\s+(\p{Lu}\p{Ll}+(?:\s+\p{Lu}\p{Ll}+)*)`),
	regexp.MustCompile(`(?i)(?:my name is|i'm|i am|call me)\s+(\p{Lu}\p{Ll}+(?:\s+\p{Lu}\p{Ll}+)*)`),
	regexp.MustCompile(`^(\p{Lu}\p{Ll}+(?:\s+\p{Lu}\p{Ll}+)*)$`),
}

// ExtractUserInfo pulls the user's name out of the current input. Pattern
// matching runs first; the model is only consulted for phrasings the
// patterns miss.
func (n *Nodes) ExtractUserInfo(ctx context.Context, state graph.State) (graph.State, error) {
	if stateBool(state, KeyHasName) {
		return nil, nil
	}
	input := strings.TrimSpace(stateString(state, KeyCurrentInput))

	for _, pattern := range namePatterns {
		match := pattern.FindStringSubmatch(input)
		if len(match) < 2 {
			continue
		}
		name := strings.TrimSpace(match[1])
		if len(name) >= 2 && len(name) <= 50 && !containsAny(strings.ToLower(name), "olá", "ola", "oi", "hello", "hi") {
			return graph.State{KeyExtractedName: name}, nil
		}
	}

	systemPrompt := `You are an information extractor. Extract the user's name from the message if they explicitly provide it.
Rules:
- Only extract if the user explicitly provides their name
- Return ONLY the name, nothing else
- If no name is found, return "NONE"
- Do not extract names from greetings`
	answer, err := n.model.Complete(ctx, []model.Message{
		model.NewSystemMessage(systemPrompt),
		model.NewUserMessage(input),
	})
	if err != nil {
		log.Warnf("extract: model call failed: %v", err)
		return nil, nil
	}
	name := strings.TrimSpace(answer)
	if name != "" && name != "NONE" && len(name) <= 50 {
		return graph.State{KeyExtractedName: name}, nil
	}
	return nil, nil
}

// SaveUserProfile stores a freshly extracted name on the profile.
func (n *Nodes) SaveUserProfile(ctx context.Context, state graph.State) (graph.State, error) {
	name := stateString(state, KeyExtractedName)
	if name == "" {
		return nil, nil
	}
	userID := stateString(state, KeyUserID)
	if err := n.store.SetProfileName(ctx, userID, name); err != nil {
		return nil, err
	}
	return graph.State{KeyProfileUpdated: true, KeyHasName: true}, nil
}

type criticalAnalysis struct {
	RequiresApproval bool   `json:"requires_approval"`
	Type             string `json:"type"`
	Description      string `json:"description"`
}

// DetectCriticalAction decides whether the interaction needs manager
// approval. Model failures fall back to a keyword safety net so critical
// requests are flagged even when the model is down.
func (n *Nodes) DetectCriticalAction(ctx context.Context, state graph.State) (graph.State, error) {
	input := strings.ToLower(stateString(state, KeyCurrentInput))
	response := strings.ToLower(stateString(state, KeyResponse))

	systemPrompt := `You are a compliance officer. Analyze the conversation for actions requiring manager approval.
CRITICAL TRIGGERS:
1. FINANCIAL: refunds, discounts over 20%, reimbursements (keywords: estorno, reembolso, refund).
2. SECURITY: account deletion, data removal, password resets (keywords: delete account, excluir dados).
3. PERMISSION: user asks for actions the agent cannot perform (change database, restart system).
4. SENSITIVE: user asks for internal or confidential information.
Return strictly a JSON object, no other text:
{"requires_approval": true/false, "type": "refund"|"account_deletion"|"permission_issue"|"sensitive_info"|"none", "description": "brief description for the manager"}`
	answer, err := n.model.Complete(ctx, []model.Message{
		model.NewSystemMessage(systemPrompt),
		model.NewUserMessage(fmt.Sprintf("User Input: %s\nAgent Response: %s", input, response)),
	})
	if err == nil {
		var analysis criticalAnalysis
		if jsonErr := json.Unmarshal([]byte(stripCodeFence(answer)), &analysis); jsonErr == nil {
			if !analysis.RequiresApproval {
				return graph.State{KeyRequiresApproval: false}, nil
			}
			actionType := analysis.Type
			if actionType == "" || actionType == "none" {
				actionType = "critical_action"
			}
			description := analysis.Description
			if description == "" {
				description = "Action requires approval"
			}
			return graph.State{
				KeyRequiresApproval: true,
				KeyPendingAction: map[string]any{
					"type":        actionType,
					"description": description,
					"details": map[string]any{
						"user_message":           input,
						"agent_response_preview": truncate(response, 100),
					},
				},
			}, nil
		}
		log.Warnf("detect: unparseable analysis, using keyword fallback")
	} else {
		log.Warnf("detect: model call failed, using keyword fallback: %v", err)
	}

	if containsAny(input, "estorno", "reembolso", "refund", "cancelar conta", "excluir", "delete account") {
		actionType := "critical_action_fallback"
		if containsAny(input, "estorno", "reembolso", "refund") {
			actionType = "refund"
		}
		return graph.State{
			KeyRequiresApproval: true,
			KeyPendingAction: map[string]any{
				"type":        actionType,
				"description": "Critical keyword detected (fallback)",
				"details":     map[string]any{"user_message": input},
			},
		}, nil
	}
	return graph.State{KeyRequiresApproval: false}, nil
}

// CreatePendingAction records the flagged action for human review.
func (n *Nodes) CreatePendingAction(ctx context.Context, state graph.State) (graph.State, error) {
	pending := stateMap(state, KeyPendingAction)
	actionType, _ := pending["type"].(string)
	description, _ := pending["description"].(string)
	details, err := json.Marshal(pending["details"])
	if err != nil {
		details = []byte("{}")
	}
	threadID := ThreadID(stateString(state, KeyUserID))
	actionID, err := n.store.CreatePendingAction(ctx,
		stateInt64(state, KeyConversationID), actionType, string(details), description, threadID)
	if err != nil {
		return nil, err
	}
	return graph.State{KeyPendingActionID: actionID}, nil
}

// ExecuteApprovedAction runs after the human decision. Execution here is the
// user-facing confirmation; the approval record itself was already updated
// by the API layer.
func (n *Nodes) ExecuteApprovedAction(ctx context.Context, state graph.State) (graph.State, error) {
	pending := stateMap(state, KeyPendingAction)
	actionType, _ := pending["type"].(string)
	response := stateString(state, KeyResponse)

	if !stateBool(state, KeyActionApproved) {
		rejection := "Solicitação rejeitada: o gerente não autorizou esta ação no momento."
		if actionType == "refund" {
			rejection += " Para questões financeiras, por favor entre em contato com o suporte telefônico."
		}
		return n.appendOutcome(ctx, state, response, rejection)
	}

	var result string
	switch actionType {
	case "refund":
		result = "Reembolso processado com sucesso. O valor será creditado em 5 a 7 dias úteis."
	case "account_deletion":
		result = "Exclusão de conta iniciada. Seus dados serão removidos em até 30 dias."
	default:
		result = fmt.Sprintf("Ação %q executada com sucesso.", actionType)
	}
	return n.appendOutcome(ctx, state, response, result)
}

func (n *Nodes) appendOutcome(ctx context.Context, state graph.State, response, outcome string) (graph.State, error) {
	updated := outcome
	if response != "" {
		updated = response + "\n\n" + outcome
	}
	conversationID := stateInt64(state, KeyConversationID)
	if conversationID != 0 {
		if err := n.store.SaveMessage(ctx, conversationID, "agent",
			stateString(state, KeyChannel), outcome); err != nil {
			log.Errorf("execute: failed to persist outcome: %v", err)
		}
	}
	return graph.State{
		KeyResponse: updated,
		KeyMessages: []model.Message{model.NewAssistantMessage(outcome)},
	}, nil
}

// SaveResponse is a no-op. The reply is persisted inside GenerateResponse;
// the node survives as a routing target.
func (n *Nodes) SaveResponse(ctx context.Context, state graph.State) (graph.State, error) {
	return nil, nil
}

// SummarizeConversation refreshes the user's long-term memory with the
// latest turn. Empty turns and model failures skip summarization for this
// turn instead of failing the run.
func (n *Nodes) SummarizeConversation(ctx context.Context, state graph.State) (graph.State, error) {
	input := stateString(state, KeyCurrentInput)
	response := stateString(state, KeyResponse)
	if input == "" || response == "" {
		return graph.State{KeyShouldSummarize: false}, nil
	}
	existing := stateString(state, KeyUserContext)
	if existing == "" {
		existing = "No previous context."
	}
	userPrompt := fmt.Sprintf(`Current Memory: %s

Update this memory with the following new interaction:
User: %s
AI: %s

Instructions:
1. Merge new facts into the existing memory.
2. Be concise.
3. Return ONLY the updated summary text.`, existing, input, response)

	summary, err := n.model.Complete(ctx, []model.Message{
		model.NewSystemMessage("You are a helpful assistant updating a user's memory profile."),
		model.NewUserMessage(userPrompt),
	})
	if err != nil || strings.TrimSpace(summary) == "" {
		log.Warnf("summarize: skipping, model call failed or empty: %v", err)
		return graph.State{KeyShouldSummarize: false}, nil
	}
	return graph.State{
		KeyConversationSummary: summary,
		KeyShouldSummarize:     true,
	}, nil
}

// SaveUserContext persists the refreshed summary.
func (n *Nodes) SaveUserContext(ctx context.Context, state graph.State) (graph.State, error) {
	summary := stateString(state, KeyConversationSummary)
	if summary == "" {
		return nil, nil
	}
	err := n.store.UpsertUserContext(ctx,
		stateString(state, KeyUserID), stateString(state, KeyChannel), summary)
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// Routing labels for the two conditional edges.
const (
	routeCreatePending = "create_pending"
	routeSaveResponse  = "save_response"
	routeSaveContext   = "save_context"
	routeEnd           = "end"
)

// RouteCriticalAction sends flagged interactions into the approval path.
func RouteCriticalAction(ctx context.Context, state graph.State) (string, error) {
	if stateBool(state, KeyRequiresApproval) {
		return routeCreatePending, nil
	}
	return routeSaveResponse, nil
}

// RouteSummary skips context saving when no summary was produced.
func RouteSummary(ctx context.Context, state graph.State) (string, error) {
	if stateBool(state, KeyShouldSummarize) {
		return routeSaveContext, nil
	}
	return routeEnd, nil
}

func promptWindow(state graph.State) []model.Message {
	msgs := stateMessages(state)
	if len(msgs) > historyWindow {
		msgs = msgs[len(msgs)-historyWindow:]
	}
	return msgs
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if start := strings.Index(s, "```"); start >= 0 {
		s = s[start+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
