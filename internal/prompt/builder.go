package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"chatassistant/internal/functions"
)

const (
	NoProductsFound = "No se encontraron productos con ese término."
	NoFAQFound      = "No se encontró información de FAQ para esa pregunta."

	customParamsPlaceholder = "parámetros_si_necesarios"
)

type Function struct {
	Name        string
	Description string
	Type        string
	Parameters  []string
}

type AnalysisInput struct {
	AssistantName        string
	AssistantDescription string
	Functions            []Function
	MemoryContext        string
	UserMessage          string
}

type Gathered struct {
	FAQInfo         string
	ProductsList    string
	FunctionResults []functions.Result
}

type FinalInput struct {
	AssistantName        string
	AssistantDescription string
	MemoryContext        string
	UserMessage          string
	Gathered             Gathered
}

func BuildAnalysisPrompt(in AnalysisInput) string {
	var b strings.Builder

	b.WriteString("Eres un asistente inteligente")
	if in.AssistantName != "" {
		fmt.Fprintf(&b, " que trabaja como %s", in.AssistantName)
		if in.AssistantDescription != "" {
			fmt.Fprintf(&b, " (%s)", in.AssistantDescription)
		}
	}
	b.WriteString(". Tu tarea es analizar la siguiente pregunta del usuario y determinar la INTENCIÓN principal.\n")
	b.WriteString("Basado en la intención, debes identificar si se necesita ejecutar una función (SEARCH, FAQ, o una función personalizada).\n\n")

	b.WriteString("Responde EXCLUSIVAMENTE en el siguiente formato, sin añadir ningún otro texto:\n")
	b.WriteString("[FUNCIÓN_IDENTIFICADA:parámetros], [IMPORTANT_INFO:descripción_corta_de_la_intención_o_acción]\n\n")

	b.WriteString("REGLAS CRÍTICAS PARA LA FUNCIÓN_IDENTIFICADA:\n")
	b.WriteString("1. **BÚSQUEDA DE PRODUCTOS/INVENTARIO**: Si el usuario pregunta sobre qué tienes, qué vendes, disponibilidad de productos, etc.\n")
	b.WriteString("   → Usa: [SEARCH:término_de_búsqueda]\n")
	b.WriteString("   **Optimiza el query de búsqueda, extrayendo palabras clave relevantes o sinónimos para mejorar la precisión.**\n")
	b.WriteString("   Ejemplos:\n")
	b.WriteString("   - \"tienes ropa?\" → [SEARCH:ropa], [IMPORTANT_INFO:busca ropa]\n")
	b.WriteString("   - \"venden zapatos?\" → [SEARCH:zapatos], [IMPORTANT_INFO:busca zapatos]\n")
	b.WriteString("   - \"ropa para el frío\" → [SEARCH:chaquetas invierno], [IMPORTANT_INFO:busca ropa de invierno]\n\n")

	b.WriteString("2. **INFORMACIÓN GENERAL/SERVICIOS (FAQs)**: Si el usuario pregunta cómo hacer algo, sobre políticas, horarios, contacto, etc.\n")
	b.WriteString("   → Usa: [FAQ:pregunta_específica_para_FAQ]\n")
	b.WriteString("   Ejemplos:\n")
	b.WriteString("   - \"cómo programar cita?\" → [FAQ:programar cita], [IMPORTANT_INFO:info sobre citas]\n")
	b.WriteString("   - \"horarios?\" → [FAQ:horarios], [IMPORTANT_INFO:consulta horarios]\n\n")

	b.WriteString("3. **FUNCIONES PERSONALIZADAS**: Si la intención del usuario coincide con una de las funciones disponibles.\n")
	b.WriteString("   **Asegúrate de que los parámetros sean específicos y relevantes para la función.**\n")
	b.WriteString("   **Los parámetros deben ser extraídos de la pregunta del usuario y listados en el orden correcto, separados por comas (,) dentro del corchete.**\n\n")
	b.WriteString(FormatFunctions(in.Functions))
	b.WriteString("\n\n")

	b.WriteString("EJEMPLOS DE RESPUESTA:\n")
	b.WriteString("- Usuario: \"busco zapatos rojos\"\n  Respuesta: [SEARCH:zapatos rojos], [IMPORTANT_INFO:busca zapatos]\n")
	b.WriteString("- Usuario: \"cómo contactarlos?\"\n  Respuesta: [FAQ:contacto], [IMPORTANT_INFO:info contacto]\n")
	b.WriteString("- Usuario: \"dime el clima de hoy en Madrid\"\n  Respuesta: [OBTENER_CLIMA:Madrid], [IMPORTANT_INFO:consulta clima Madrid]\n")
	b.WriteString("- Usuario: \"envía un correo a soporte@ejemplo.com con el asunto 'Problema' y el mensaje 'Mi producto no funciona'\"\n")
	b.WriteString("  Respuesta: [ENVIAR_CORREO:soporte@ejemplo.com, Problema, Mi producto no funciona], [IMPORTANT_INFO:enviar correo de soporte]\n\n")

	b.WriteString("CLAVE:\n")
	b.WriteString("- Si la intención es QUÉ TIENES/VENDES = SEARCH\n")
	b.WriteString("- Si la intención es CÓMO HACER ALGO = FAQ\n")
	b.WriteString("- Si la intención es una ACCIÓN ESPECÍFICA = FUNCIÓN PERSONALIZADA\n\n")

	if in.MemoryContext != "" {
		fmt.Fprintf(&b, "CONTEXTO PREVIO (úsalo para resolver referencias como \"eso\" o \"el anterior\"):\n%s\n\n", in.MemoryContext)
	}

	fmt.Fprintf(&b, "PREGUNTA DEL USUARIO: \"%s\"\n\n", in.UserMessage)
	b.WriteString("RESPUESTA (SOLO EL FORMATO REQUERIDO):\n")
	return b.String()
}

// FormatFunctions renders the custom function catalogue for the analysis prompt.
func FormatFunctions(fns []Function) string {
	if len(fns) == 0 {
		return "- No hay funciones personalizadas disponibles."
	}

	items := make([]string, 0, len(fns))
	for _, fn := range fns {
		params := strings.Join(fn.Parameters, ", ")
		if params == "" && fn.Type == "custom" {
			params = customParamsPlaceholder
		}

		desc := fn.Description
		if desc == "" {
			desc = "Función " + fn.Name
		}

		tag := "[" + strings.ToUpper(fn.Name)
		if params != "" {
			tag += ":" + params
		}
		tag += "]"

		items = append(items, fmt.Sprintf("- **%s**\n  → Usa: %s", desc, tag))
	}
	return strings.Join(items, "\n\n")
}

func BuildFinalPrompt(in FinalInput) string {
	g := in.Gathered
	var b strings.Builder

	fmt.Fprintf(&b, "Eres %s, un asistente de %s.\n", in.AssistantName, in.AssistantDescription)
	fmt.Fprintf(&b, "CONTEXTO DE CONVERSACIÓN PREVIA: %s\n", in.MemoryContext)
	fmt.Fprintf(&b, "MENSAJE ACTUAL DEL USUARIO: \"%s\"\n\n", in.UserMessage)

	b.WriteString("INFORMACIÓN RECOPILADA PARA LA RESPUESTA:\n")
	if g.FAQInfo != "" {
		fmt.Fprintf(&b, "INFORMACIÓN DE FAQ: %s\n", g.FAQInfo)
	} else {
		b.WriteString("INFORMACIÓN DE FAQ: No se encontró información relevante.\n")
	}
	if g.ProductsList != "" {
		fmt.Fprintf(&b, "PRODUCTOS ENCONTRADOS: %s\n", g.ProductsList)
	} else {
		b.WriteString("PRODUCTOS ENCONTRADOS: No se encontraron productos.\n")
	}
	if len(g.FunctionResults) > 0 {
		b.WriteString("RESULTADOS DE FUNCIONES EJECUTADAS:\n")
		b.WriteString(FormatResults(g.FunctionResults))
		b.WriteString("\n")
	} else {
		b.WriteString("FUNCIONES EJECUTADAS: Ninguna.\n")
	}

	b.WriteString("\nInstrucciones para la respuesta:\n")
	fmt.Fprintf(&b, "- Responde de forma natural, amigable y útil al usuario, utilizando la información recopilada y tu rol como %s.\n", in.AssistantName)
	b.WriteString("- Si se ejecutó una función, menciona el resultado de manera concisa.\n")
	b.WriteString("- Si no se encontró información relevante (FAQ o Productos), informa al usuario de manera cortés.\n")
	if needsProductFollowUp(in) {
		fmt.Fprintf(&b, "- Si la búsqueda de productos no arrojó resultados o el usuario preguntó por productos en general sin especificar, NO digas 'no tengo información' o 'no hay productos'. En su lugar, como %s, pregunta al usuario qué tipo de producto específico está buscando o qué características le interesan para poder realizar una búsqueda más precisa.\n", in.AssistantName)
		b.WriteString("- Ejemplo: \"No encontré productos con esa descripción. Como tu asistente de compras, puedo ayudarte a buscar algo específico. ¿Qué tipo de producto te gustaría encontrar o qué características buscas?\"\n")
	}
	b.WriteString("- NO incluyas los tags [SEARCH:...], [FAQ:...], [ENVIAR_CORREO:...], etc., en tu respuesta final.\n")
	b.WriteString("- Termina tu respuesta con exactamente un tag [IMPORTANT_INFO:resumen_claro_de_la_respuesta_o_acción_principal]. Este resumen es para el sistema, no para el usuario.\n\n")
	b.WriteString("RESPUESTA AL USUARIO:\n")
	return b.String()
}

func FormatResults(results []functions.Result) string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		if r.Success {
			payload, err := json.Marshal(r.Result)
			if err != nil {
				payload = []byte(fmt.Sprintf("%q", fmt.Sprint(r.Result)))
			}
			lines = append(lines, fmt.Sprintf("✅ Función '%s' ejecutada con éxito. Resultado: %s", r.ExecutedFunction, payload))
		} else {
			lines = append(lines, fmt.Sprintf("❌ Función '%s' falló. Error: %s", r.ExecutedFunction, r.Error))
		}
	}
	return strings.Join(lines, "\n")
}

func needsProductFollowUp(in FinalInput) bool {
	if in.Gathered.ProductsList == NoProductsFound {
		return true
	}
	if in.Gathered.ProductsList != "" || !strings.Contains(strings.ToLower(in.UserMessage), "productos") {
		return false
	}
	for _, r := range in.Gathered.FunctionResults {
		if strings.Contains(r.ExecutedFunction, "SEARCH") {
			return false
		}
	}
	return true
}
