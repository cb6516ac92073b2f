package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"chatassistant/internal/assistants"
	"chatassistant/internal/chatgpt"
	"chatassistant/internal/conversation/models"
	"chatassistant/internal/directive"
	"chatassistant/internal/faqs"
	"chatassistant/internal/functions"
	"chatassistant/internal/memory"
	"chatassistant/internal/products"
	"chatassistant/internal/prompt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	testUser      = "user-1"
	testAssistant = "asst-1"
)

type fixture struct {
	svc       *Service
	store     *memStore
	llm       *scriptedLLM
	knowledge *fakeKnowledge
	catalog   *fakeCatalog
	assist    *fakeAssistants
}

func newFixture(llm *scriptedLLM) *fixture {
	f := &fixture{
		store:     newMemStore(),
		llm:       llm,
		knowledge: &fakeKnowledge{},
		catalog:   &fakeCatalog{},
		assist: &fakeAssistants{
			assistants: map[string]assistants.Assistant{
				testAssistant: {ID: testAssistant, UserID: testUser, Name: "Luna", Description: "ventas de ropa"},
			},
			functions: map[string][]assistants.Function{},
		},
	}
	f.svc = NewService(Deps{
		Store:      f.store,
		LLM:        llm,
		Knowledge:  f.knowledge,
		Catalog:    f.catalog,
		Actions:    functions.NewExecutor(f.assist, nil, time.Second),
		Assistants: f.assist,
	}, 5*time.Second, time.Second)
	return f
}

func echoLLM(analysis string) *scriptedLLM {
	return &scriptedLLM{
		analysis: func(string) string { return analysis },
		final: func(user string) string {
			return "Respuesta a " + user + " [IMPORTANT_INFO:respondió " + user + "]"
		},
	}
}

func TestStartConversationSearchWithEmptyCatalog(t *testing.T) {
	llm := &scriptedLLM{
		analysis: func(string) string { return "[SEARCH:zapatos rojos], [IMPORTANT_INFO:busca zapatos]" },
		final: func(string) string {
			return "No encontré zapatos rojos. ¿Qué otro producto buscas? [IMPORTANT_INFO:busca zapatos rojos]"
		},
	}
	f := newFixture(llm)

	sum, err := f.svc.StartConversation(context.Background(), testUser, testAssistant, "tienes zapatos rojos?")
	require.NoError(t, err)

	assert.Equal(t, []string{"zapatos rojos"}, f.catalog.queries)
	assert.Empty(t, f.knowledge.queries)
	assert.Contains(t, llm.lastFinalPrompt(), "PRODUCTOS ENCONTRADOS: "+prompt.NoProductsFound)
	assert.Contains(t, llm.lastFinalPrompt(), "pregunta al usuario qué tipo de producto")

	assert.Equal(t, "No encontré zapatos rojos. ¿Qué otro producto buscas?", sum.LatestAssistantText)
	assert.Equal(t, 2, sum.TotalMessageCount)
	assert.Equal(t, models.TokenUsage{Input: 30, Output: 7}, sum.TokenUsage)

	conv := f.store.conversation(sum.ConversationID)
	require.NotNil(t, conv)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, models.ChannelWeb, conv.Channel)
	assert.Equal(t, models.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "", conv.Messages[0].ImportantInfo)
	assert.Equal(t, "[IMPORTANT_INFO: busca zapatos rojos [FUNCIONES_EJECUTADAS: [SEARCH:zapatos rojos]]]", conv.Messages[1].ImportantInfo)
	assert.Equal(t, int64(30), conv.InputTokens)
}

func TestHowToQuestionGoesToFAQ(t *testing.T) {
	llm := echoLLM("[FAQ:agendar cita], [IMPORTANT_INFO:info sobre citas]")
	f := newFixture(llm)
	f.knowledge.matches = []faqs.Match{{FAQ: faqs.FAQ{Question: "¿Cómo agendo?", Answer: "Desde la web, sección Citas."}}}

	sum, err := f.svc.StartConversation(context.Background(), testUser, testAssistant, "cómo agendo una cita?")
	require.NoError(t, err)

	assert.Equal(t, []string{"agendar cita"}, f.knowledge.queries)
	assert.Empty(t, f.catalog.queries)
	assert.Contains(t, llm.lastFinalPrompt(), "INFORMACIÓN DE FAQ: Desde la web, sección Citas.")

	env, ok := directive.ParseEnvelope(f.store.conversation(sum.ConversationID).Messages[1].ImportantInfo)
	require.True(t, ok)
	assert.Equal(t, "[FAQ:agendar cita]", env.Traces)
}

func TestFAQWithoutMatchUsesSentinel(t *testing.T) {
	llm := echoLLM("[FAQ:devoluciones]")
	f := newFixture(llm)

	_, err := f.svc.StartConversation(context.Background(), testUser, testAssistant, "cómo devuelvo algo?")
	require.NoError(t, err)
	assert.Contains(t, llm.lastFinalPrompt(), "INFORMACIÓN DE FAQ: "+prompt.NoFAQFound)
}

func TestUnknownCustomFunctionStillPersists(t *testing.T) {
	llm := echoLLM("[RESERVAR_MESA:2, hoy], [IMPORTANT_INFO:reserva]")
	f := newFixture(llm)

	sum, err := f.svc.StartConversation(context.Background(), testUser, testAssistant, "reserva mesa para 2 hoy")
	require.NoError(t, err)

	assert.Contains(t, llm.lastFinalPrompt(), "❌ Función 'RESERVAR_MESA' falló. Error: function RESERVAR_MESA not found")
	assert.NotEmpty(t, sum.LatestAssistantText)

	conv := f.store.conversation(sum.ConversationID)
	require.Len(t, conv.Messages, 2)
	env, ok := directive.ParseEnvelope(conv.Messages[1].ImportantInfo)
	require.True(t, ok)
	assert.Equal(t, "[RESERVAR_MESA:2, hoy] (error: function RESERVAR_MESA not found)", env.Traces)
}

func TestKnownCustomFunctionRunsInSandbox(t *testing.T) {
	llm := echoLLM("[SALUDAR:Ana]")
	f := newFixture(llm)
	f.assist.functions[testAssistant] = []assistants.Function{{Name: "saludar", Type: assistants.FunctionCustom}}

	_, err := f.svc.StartConversation(context.Background(), testUser, testAssistant, "saluda a Ana")
	require.NoError(t, err)

	assert.Contains(t, llm.firstAnalysisPrompt("saluda a Ana"), "[SALUDAR:parámetros_si_necesarios]")
	assert.Contains(t, llm.lastFinalPrompt(), "✅ Función 'saludar' ejecutada con éxito.")
}

func TestAllDirectivesDispatchedTogether(t *testing.T) {
	llm := echoLLM("[SEARCH:camisas] [FAQ:envíos] [PING] [SEARCH:pantalones]")
	f := newFixture(llm)
	f.catalog.matches = []products.Match{{Product: products.Product{Name: "Camisa azul"}}, {Product: products.Product{Name: "Camisa blanca"}}}
	f.assist.functions[testAssistant] = []assistants.Function{{Name: "ping", Type: assistants.FunctionCustom}}

	sum, err := f.svc.StartConversation(context.Background(), testUser, testAssistant, "camisas y envíos")
	require.NoError(t, err)

	assert.Equal(t, []string{"camisas"}, f.catalog.queries)
	assert.Equal(t, []string{"envíos"}, f.knowledge.queries)
	assert.Contains(t, llm.lastFinalPrompt(), "PRODUCTOS ENCONTRADOS: Camisa azul, Camisa blanca")

	env, _ := directive.ParseEnvelope(f.store.conversation(sum.ConversationID).Messages[1].ImportantInfo)
	assert.Equal(t, "[FAQ:envíos] [SEARCH:camisas] [PING]", env.Traces)
}

func TestResolverFailureDoesNotAbortTurn(t *testing.T) {
	llm := echoLLM("[SEARCH:camisas]")
	f := newFixture(llm)
	f.catalog.err = errors.New("index unavailable")

	sum, err := f.svc.StartConversation(context.Background(), testUser, testAssistant, "camisas?")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TotalMessageCount)
	assert.Contains(t, llm.lastFinalPrompt(), prompt.NoProductsFound)
}

func TestPredictFailureIsFatalAndPersistsNothing(t *testing.T) {
	for _, failAnalysis := range []bool{true, false} {
		t.Run(fmt.Sprintf("analysis=%v", failAnalysis), func(t *testing.T) {
			llm := echoLLM("[IMPORTANT_INFO:x]")
			llm.fail = func(isAnalysis bool) error {
				if isAnalysis == failAnalysis {
					return errors.New("upstream 503")
				}
				return nil
			}
			f := newFixture(llm)

			_, err := f.svc.StartConversation(context.Background(), testUser, testAssistant, "hola")
			var ce *chatgpt.CompletionError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, 0, f.store.len())
		})
	}
}

func TestPredictTimeout(t *testing.T) {
	llm := echoLLM("[IMPORTANT_INFO:x]")
	llm.delay = time.Second
	f := newFixture(llm)
	f.svc.predictTimeout = 20 * time.Millisecond

	_, err := f.svc.StartConversation(context.Background(), testUser, testAssistant, "hola")
	var ce *chatgpt.CompletionError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNotFoundErrors(t *testing.T) {
	f := newFixture(echoLLM(""))
	ctx := context.Background()

	_, err := f.svc.StartConversation(ctx, testUser, "missing", "hola")
	assert.ErrorIs(t, err, assistants.ErrNotFound)

	_, err = f.svc.StartConversation(ctx, "someone-else", testAssistant, "hola")
	assert.ErrorIs(t, err, assistants.ErrNotFound)

	_, err = f.svc.ContinueConversation(ctx, "missing", testAssistant, models.RoleUser, "hola")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.StartConversation(ctx, testUser, testAssistant, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.svc.ContinueConversation(ctx, "missing", testAssistant, "system", "hola")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestContinueUsesMemoryAndAccumulates(t *testing.T) {
	llm := echoLLM("[IMPORTANT_INFO:charla]")
	f := newFixture(llm)
	ctx := context.Background()

	first, err := f.svc.StartConversation(ctx, testUser, testAssistant, "hola")
	require.NoError(t, err)
	assert.NotContains(t, llm.firstAnalysisPrompt(`"hola"`), "CONVERSACIÓN PREVIA")

	sum, err := f.svc.ContinueConversation(ctx, first.ConversationID, testAssistant, models.RoleUser, "y los precios?")
	require.NoError(t, err)

	assert.Equal(t, 4, sum.TotalMessageCount)
	assert.Equal(t, models.TokenUsage{Input: 60, Output: 14}, sum.TokenUsage)
	assert.Equal(t, "Respuesta a y los precios?", sum.LatestAssistantText)
	assert.Contains(t, llm.firstAnalysisPrompt("y los precios?"),
		`CONVERSACIÓN PREVIA: Usuario preguntó: "hola" | Asistente respondió sobre: respondió hola | Funciones usadas: ninguna`)

	_, err = f.svc.ContinueConversation(ctx, first.ConversationID, "other-assistant", models.RoleUser, "hola")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPlaceholderSummaryReplacedInMemory(t *testing.T) {
	llm := echoLLM("[IMPORTANT_INFO:sigue]")
	f := newFixture(llm)
	now := time.Now()
	require.NoError(t, f.store.Create(context.Background(), &models.Conversation{
		ID: "conv-e", UserID: testUser, AssistantID: testAssistant, Channel: models.ChannelWeb,
		CreatedAt: now, LastActivityAt: now,
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "hola", CreatedAt: now},
			{Role: models.RoleAssistant, Content: "¡Hola!", ImportantInfo: directive.BuildEnvelope(memory.Placeholder, nil), CreatedAt: now},
		},
	}))

	_, err := f.svc.ContinueConversation(context.Background(), "conv-e", testAssistant, models.RoleUser, "qué más?")
	require.NoError(t, err)

	p := llm.firstAnalysisPrompt("qué más?")
	assert.Contains(t, p, "Asistente respondió sobre: información general")
	assert.NotContains(t, p, memory.Placeholder)
}

func TestFinalPlaceholderFallsBackToAnalysisInfo(t *testing.T) {
	llm := &scriptedLLM{
		analysis: func(string) string { return "[IMPORTANT_INFO:consulta horarios]" },
		final:    func(string) string { return "Abrimos a las 9. [IMPORTANT_INFO:lo_que_necesita]" },
	}
	f := newFixture(llm)

	sum, err := f.svc.StartConversation(context.Background(), testUser, testAssistant, "horarios?")
	require.NoError(t, err)
	assert.Equal(t, "[IMPORTANT_INFO: consulta horarios]", f.store.conversation(sum.ConversationID).Messages[1].ImportantInfo)

	llm.analysis = func(string) string { return "" }
	sum, err = f.svc.StartConversation(context.Background(), testUser, testAssistant, "horarios?")
	require.NoError(t, err)
	assert.Equal(t, "[IMPORTANT_INFO: información general]", f.store.conversation(sum.ConversationID).Messages[1].ImportantInfo)
}

func TestTagOnlyReplyGetsFallbackText(t *testing.T) {
	llm := &scriptedLLM{
		analysis: func(string) string { return "" },
		final:    func(string) string { return "[IMPORTANT_INFO:nada]" },
	}
	f := newFixture(llm)

	sum, err := f.svc.StartConversation(context.Background(), testUser, testAssistant, "hola")
	require.NoError(t, err)
	assert.Equal(t, EmptyReply, sum.LatestAssistantText)
}

func TestManualAssistantReply(t *testing.T) {
	llm := echoLLM("")
	f := newFixture(llm)
	ctx := context.Background()

	first, err := f.svc.StartConversation(ctx, testUser, testAssistant, "hola")
	require.NoError(t, err)
	calls := len(llm.calls())

	sum, err := f.svc.ContinueConversation(ctx, first.ConversationID, testAssistant, models.RoleAssistant, "Te escribe un operador.")
	require.NoError(t, err)

	assert.Equal(t, calls, len(llm.calls()))
	assert.Equal(t, 3, sum.TotalMessageCount)
	assert.Equal(t, first.TokenUsage, sum.TokenUsage)

	last := f.store.conversation(first.ConversationID).Messages[2]
	assert.Equal(t, models.RoleAssistant, last.Role)
	assert.Equal(t, "[IMPORTANT_INFO: información general]", last.ImportantInfo)
}

func TestConcurrentContinuesAreSerialized(t *testing.T) {
	defer goleak.VerifyNone(t)

	llm := echoLLM("[IMPORTANT_INFO:x]")
	llm.delay = 10 * time.Millisecond
	f := newFixture(llm)
	ctx := context.Background()

	first, err := f.svc.StartConversation(ctx, testUser, testAssistant, "inicio")
	require.NoError(t, err)
	n := first.TotalMessageCount

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.ContinueConversation(ctx, first.ConversationID, testAssistant, models.RoleUser, fmt.Sprintf("mensaje-%d", i))
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.Equal(t, int32(1), llm.maxInFlight.Load())

	conv := f.store.conversation(first.ConversationID)
	require.Len(t, conv.Messages, n+4)
	for i := n; i < len(conv.Messages); i += 2 {
		userMsg, reply := conv.Messages[i], conv.Messages[i+1]
		assert.Equal(t, models.RoleUser, userMsg.Role)
		assert.Equal(t, models.RoleAssistant, reply.Role)
		assert.Equal(t, "Respuesta a "+userMsg.Content, reply.Content)
	}
	assert.Equal(t, 0, f.svc.locks.Len())
}

func TestHandleChannelMessageReusesConversation(t *testing.T) {
	llm := echoLLM("[IMPORTANT_INFO:x]")
	f := newFixture(llm)
	ctx := context.Background()

	msg := ChannelMessage{
		Channel:     models.ChannelTelegram,
		ExternalID:  "12345",
		UserID:      testUser,
		AssistantID: testAssistant,
		Text:        "hola bot",
		MessageType: "text",
	}
	first, err := f.svc.HandleChannelMessage(ctx, msg)
	require.NoError(t, err)

	msg.Text = "otra vez"
	msg.MessageType = "photo"
	msg.ExternalMessageID = "m-2"
	second, err := f.svc.HandleChannelMessage(ctx, msg)
	require.NoError(t, err)

	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, 4, second.TotalMessageCount)

	conv := f.store.conversation(first.ConversationID)
	assert.Equal(t, models.ChannelTelegram, conv.Channel)
	assert.Equal(t, "12345", conv.ExternalID)
	assert.Equal(t, "photo", conv.Messages[2].MessageType)
	assert.Equal(t, "m-2", conv.Messages[2].ExternalMessageID)
	assert.Equal(t, 1, f.store.len())
}

func TestHandleChannelMessageSeparatesAssistants(t *testing.T) {
	llm := echoLLM("[IMPORTANT_INFO:x]")
	f := newFixture(llm)
	f.assist.assistants["asst-2"] = assistants.Assistant{ID: "asst-2", UserID: "user-2", Name: "Sol", Description: "reservas de hotel"}
	ctx := context.Background()

	a, err := f.svc.HandleChannelMessage(ctx, ChannelMessage{
		Channel: models.ChannelTelegram, ExternalID: "555", UserID: testUser, AssistantID: testAssistant, Text: "hola",
	})
	require.NoError(t, err)

	llm.mu.Lock()
	llm.prompts = nil
	llm.mu.Unlock()

	b, err := f.svc.HandleChannelMessage(ctx, ChannelMessage{
		Channel: models.ChannelTelegram, ExternalID: "555", UserID: "user-2", AssistantID: "asst-2", Text: "hola",
	})
	require.NoError(t, err)

	assert.NotEqual(t, a.ConversationID, b.ConversationID)
	assert.Equal(t, 2, b.TotalMessageCount)
	assert.Equal(t, 2, f.store.len())

	conv := f.store.conversation(b.ConversationID)
	assert.Equal(t, "user-2", conv.UserID)
	assert.Equal(t, "asst-2", conv.AssistantID)

	llm.mu.Lock()
	defer llm.mu.Unlock()
	require.NotEmpty(t, llm.prompts)
	for _, p := range llm.prompts {
		assert.NotContains(t, p, "Luna")
	}
	assert.Contains(t, llm.prompts[len(llm.prompts)-1], "Sol")
}

func TestCleanupRemovesIdleConversations(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(echoLLM(""))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, f.store.Create(context.Background(), &models.Conversation{ID: "old", LastActivityAt: old}))
	require.NoError(t, f.store.Create(context.Background(), &models.Conversation{ID: "fresh", LastActivityAt: time.Now()}))

	ctx, cancel := context.WithCancel(context.Background())
	done := f.svc.StartCleanup(ctx, 5*time.Millisecond, time.Hour)

	require.Eventually(t, func() bool { return f.store.conversation("old") == nil }, time.Second, 5*time.Millisecond)
	assert.NotNil(t, f.store.conversation("fresh"))

	cancel()
	<-done
}

func TestTraceErrorHasNoBrackets(t *testing.T) {
	got := traceErrorReplacer.Replace("boom [x]")
	assert.False(t, strings.ContainsAny(got, "[]"))
}
